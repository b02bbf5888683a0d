package parser

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// CharsetSource ranks how confident the parser is in the document charset.
// A larger value always wins over a smaller one.
type CharsetSource int

const (
	CharsetUninitialized CharsetSource = iota
	CharsetFromWeakDocTypeDefault
	CharsetFromUserDefault
	CharsetFromDocTypeDefault
	CharsetFromCache
	CharsetFromParentFrame
	CharsetFromAutoDetection
	CharsetFromHintPrevDoc
	CharsetFromMetaPrescan
	CharsetFromMetaTag
	CharsetFromIrreversibleAutoDetection
	CharsetFromByteOrderMark
	CharsetFromChannel
	CharsetFromOtherComponent
	CharsetFromParentForced
	CharsetFromUserForced
	CharsetFromPreviousLoading
)

var charsetSourceNames = [...]string{
	"uninitialized",
	"weak-doctype-default",
	"user-default",
	"doctype-default",
	"cache",
	"parent-frame",
	"auto-detection",
	"hint-prev-doc",
	"meta-prescan",
	"meta-tag",
	"irreversible-auto-detection",
	"byte-order-mark",
	"channel",
	"other-component",
	"parent-forced",
	"user-forced",
	"previous-loading",
}

func (s CharsetSource) String() string {
	if s < 0 || int(s) >= len(charsetSourceNames) {
		return "unknown"
	}
	return charsetSourceNames[s]
}

const (
	charsetUTF8          = "utf-8"
	charsetUTF16LE       = "utf-16le"
	charsetUTF16BE       = "utf-16be"
	charsetWindows1252   = "windows-1252"
	charsetXUserDefined  = "x-user-defined"
	defaultCharset       = charsetWindows1252
	defaultCharsetSource = CharsetFromWeakDocTypeDefault
)

// resolveCharset maps a charset label to its canonical lower case name and
// encoding using the WHATWG label table.
func resolveCharset(label string) (string, encoding.Encoding, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", nil, errors.New("empty charset label")
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", nil, errors.Wrapf(err, "unknown charset %q", label)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return "", nil, errors.Wrapf(err, "unnamed charset %q", label)
	}
	return strings.ToLower(name), enc, nil
}

// extractCharsetFromContent pulls the charset parameter out of a
// http-equiv content attribute such as "text/html; charset=utf-8".
// https://html.spec.whatwg.org/multipage/urls-and-fetching.html#algorithm-for-extracting-a-character-encoding-from-a-meta-element
func extractCharsetFromContent(content string) string {
	lower := strings.ToLower(content)
	pos := 0
	for {
		i := strings.Index(lower[pos:], "charset")
		if i < 0 {
			return ""
		}
		pos += i + len("charset")
		rest := strings.TrimLeft(lower[pos:], " \t\n\f\r")
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		rest = strings.TrimLeft(rest[1:], " \t\n\f\r")
		if rest == "" {
			return ""
		}
		// keep the original casing for the value
		start := len(content) - len(rest)
		value := content[start:]
		switch value[0] {
		case '"', '\'':
			end := strings.IndexByte(value[1:], value[0])
			if end < 0 {
				return ""
			}
			return value[1 : end+1]
		}
		end := strings.IndexAny(value, " \t\n\f\r;")
		if end < 0 {
			return value
		}
		return value[:end]
	}
}
