package dom

import (
	"sort"
	"strings"
)

type NodeType uint16

const (
	ElementNode NodeType = iota + 1
	TextNode
	CommentNode
	DocumentNode
	DocumentTypeNode
)

// https://dom.whatwg.org/#node
type Node struct {
	NodeType   NodeType
	NodeName   string
	Attributes map[string]string
	Data       string
	ParentNode *Node
	ChildNodes []*Node
}

// Document is the root of a parsed tree along with the charset it was
// decoded with.
type Document struct {
	*Node
	Charset       string
	CharsetSource string
}

func NewDocument() *Document {
	return &Document{
		Node: &Node{NodeType: DocumentNode, NodeName: "#document"},
	}
}

func NewElement(name string, attributes map[string]string) *Node {
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	return &Node{NodeType: ElementNode, NodeName: name, Attributes: attrs}
}

func NewTextNode(text string) *Node {
	return &Node{NodeType: TextNode, NodeName: "#text", Data: text}
}

// NewComment returns a comment node with its Data section filled.
func NewComment(data string) *Node {
	return &Node{NodeType: CommentNode, NodeName: "#comment", Data: data}
}

func NewDocTypeNode(name string) *Node {
	return &Node{NodeType: DocumentTypeNode, NodeName: name}
}

func (n *Node) indexOf(child *Node) int {
	for i, c := range n.ChildNodes {
		if c == child {
			return i
		}
	}
	return -1
}

// https://dom.spec.whatwg.org/#concept-node-append
func (n *Node) AppendChild(on *Node) *Node {
	on.ParentNode = n
	n.ChildNodes = append(n.ChildNodes, on)
	return on
}

// InsertBefore inserts on in front of child. A nil or foreign child appends.
func (n *Node) InsertBefore(on, child *Node) *Node {
	i := -1
	if child != nil {
		i = n.indexOf(child)
	}
	if i < 0 {
		return n.AppendChild(on)
	}
	n.ChildNodes = append(n.ChildNodes, nil)
	copy(n.ChildNodes[i+1:], n.ChildNodes[i:])
	n.ChildNodes[i] = on
	on.ParentNode = n
	return on
}

// InsertText inserts text in front of child, or at the end when child is
// nil, extending an adjacent text node instead of creating a new one.
// https://html.spec.whatwg.org/multipage/parsing.html#insert-a-character
func (n *Node) InsertText(text string, child *Node) {
	i := len(n.ChildNodes)
	if child != nil {
		if j := n.indexOf(child); j >= 0 {
			i = j
		}
	}
	if i > 0 && n.ChildNodes[i-1].NodeType == TextNode {
		n.ChildNodes[i-1].Data += text
		return
	}
	n.InsertBefore(NewTextNode(text), n.childAt(i))
}

func (n *Node) childAt(i int) *Node {
	if i < len(n.ChildNodes) {
		return n.ChildNodes[i]
	}
	return nil
}

// TextContent concatenates the text of every descendant text node.
func (n *Node) TextContent() string {
	var b strings.Builder
	n.walk(func(c *Node) {
		if c.NodeType == TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}

// GetElementsByTagName returns the descendant elements named name in tree
// order.
func (n *Node) GetElementsByTagName(name string) []*Node {
	var found []*Node
	n.walk(func(c *Node) {
		if c != n && c.NodeType == ElementNode && c.NodeName == name {
			found = append(found, c)
		}
	})
	return found
}

func (n *Node) walk(f func(*Node)) {
	f(n)
	for _, c := range n.ChildNodes {
		c.walk(f)
	}
}

func serializeNodeType(node *Node, ident int) string {
	switch node.NodeType {
	case ElementNode:
		e := "<" + node.NodeName + ">"
		if len(node.Attributes) == 0 {
			return e
		}
		keys := make([]string, 0, len(node.Attributes))
		for name := range node.Attributes {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		spaces := "| "
		for i := 1; i < ident; i++ {
			spaces += "  "
		}
		for _, name := range keys {
			e += "\n" + spaces + name + "=\"" + node.Attributes[name] + "\""
		}
		return e
	case TextNode:
		return "\"" + node.Data + "\""
	case CommentNode:
		return "<!-- " + node.Data + " -->"
	case DocumentTypeNode:
		return "<!DOCTYPE " + node.NodeName + ">"
	case DocumentNode:
		return "#document"
	}
	return ""
}

func (node *Node) serialize(ident int, b *strings.Builder) {
	if node.NodeType != DocumentNode {
		b.WriteString("| ")
		for i := 1; i < ident; i++ {
			b.WriteString("  ")
		}
	}
	b.WriteString(serializeNodeType(node, ident+1))
	b.WriteByte('\n')
	for _, child := range node.ChildNodes {
		child.serialize(ident+1, b)
	}
}

// String dumps the tree in the html5lib test format.
func (node *Node) String() string {
	var b strings.Builder
	node.serialize(0, &b)
	return strings.TrimRight(b.String(), "\n")
}
