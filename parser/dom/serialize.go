package dom

import (
	"sort"
	"strings"
)

// https://html.spec.whatwg.org/#escapingString
func escapeString(s string, attrVal bool) string {
	s = strings.Replace(s, "&", "&amp;", -1)
	s = strings.Replace(s, "\u00A0", "&nbsp;", -1)
	if attrVal {
		s = strings.Replace(s, "\"", "&quot;", -1)
	} else {
		s = strings.Replace(s, "<", "&lt;", -1)
		s = strings.Replace(s, ">", "&gt;", -1)
	}

	return s
}

func isVoid(name string) bool {
	switch name {
	case "area", "base", "basefont", "bgsound", "br", "col", "embed", "frame", "hr", "img", "input", "keygen", "link", "meta", "param", "source", "track", "wbr":
		return true
	}
	return false
}

// Serialize returns the HTML for the children of n.
// https://html.spec.whatwg.org/#serialising-html-fragments
func Serialize(n *Node) string {
	var b strings.Builder
	serializeChildren(n, &b)
	return b.String()
}

func serializeChildren(n *Node, b *strings.Builder) {
	for _, child := range n.ChildNodes {
		switch child.NodeType {
		case ElementNode:
			b.WriteString("<" + child.NodeName)
			keys := make([]string, 0, len(child.Attributes))
			for name := range child.Attributes {
				keys = append(keys, name)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString(" " + k + "=\"" + escapeString(child.Attributes[k], true) + "\"")
			}
			b.WriteString(">")
			if isVoid(child.NodeName) {
				continue
			}
			serializeChildren(child, b)
			b.WriteString("</" + child.NodeName + ">")
		case TextNode:
			switch child.ParentNode.NodeName {
			case "style", "script", "xmp", "iframe", "noembed", "noframes", "plaintext", "noscript":
				b.WriteString(child.Data)
			default:
				b.WriteString(escapeString(child.Data, false))
			}
		case CommentNode:
			b.WriteString("<!--" + child.Data + "-->")
		case DocumentTypeNode:
			b.WriteString("<!DOCTYPE " + child.NodeName + ">")
		}
	}
}
