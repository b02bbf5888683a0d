package parser

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MetaScanner looks for a meta charset declaration in the byte prefix of a
// document. Sniff is handed successive segments and returns the canonical
// charset name once one is found.
type MetaScanner interface {
	Sniff(p []byte) string
}

// NewMetaScanner returns the default prescanner.
func NewMetaScanner() MetaScanner {
	return &htmlMetaScanner{}
}

type htmlMetaScanner struct {
	prefix []byte
}

func (s *htmlMetaScanner) Sniff(p []byte) string {
	s.prefix = append(s.prefix, p...)
	z := html.NewTokenizer(bytes.NewReader(s.prefix))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if atom.Lookup(name) != atom.Meta || !hasAttr {
				continue
			}
			if charset := prescanCharset(metaAttributes(z)); charset != "" {
				return charset
			}
		}
	}
}

func metaAttributes(z *html.Tokenizer) map[string]string {
	attrs := map[string]string{}
	for {
		key, val, more := z.TagAttr()
		k := string(key)
		if _, seen := attrs[k]; !seen {
			attrs[k] = string(val)
		}
		if !more {
			return attrs
		}
	}
}

// prescanCharset applies the prescan rules to one meta element.
// https://html.spec.whatwg.org/multipage/parsing.html#prescan-a-byte-stream-to-determine-its-encoding
func prescanCharset(attrs map[string]string) string {
	label, ok := attrs["charset"]
	if !ok {
		if !strings.EqualFold(strings.TrimSpace(attrs["http-equiv"]), "content-type") {
			return ""
		}
		label = extractCharsetFromContent(attrs["content"])
	}
	name, _, err := resolveCharset(label)
	if err != nil {
		return ""
	}
	switch name {
	case charsetUTF16LE, charsetUTF16BE:
		return charsetUTF8
	case charsetXUserDefined:
		return charsetWindows1252
	}
	return name
}
