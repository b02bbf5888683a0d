package parser

import (
	"fmt"
	"sort"
	"strings"
)

// NodeHandle names a node the tree builder created before the executor
// materialised it. 0 is the document.
type NodeHandle int64

const documentHandle NodeHandle = 0

type treeOpKind uint

const (
	opAppendElement treeOpKind = iota
	opAppendText
	opAppendComment
	opAppendDoctype
	opRunScript
	opSetDocumentCharset
	opNeedsCharsetSwitch
	opStreamEnded
)

var treeOpKindNames = [...]string{
	"append-element",
	"append-text",
	"append-comment",
	"append-doctype",
	"run-script",
	"set-document-charset",
	"needs-charset-switch",
	"stream-ended",
}

func (k treeOpKind) String() string {
	if int(k) < len(treeOpKindNames) {
		return treeOpKindNames[k]
	}
	return fmt.Sprintf("op(%d)", k)
}

// TreeOperation is one deferred mutation of the document, produced on the
// parser goroutine and executed on the main one.
type TreeOperation struct {
	Kind treeOpKind
	// Handle is the node created by the operation, or the script to run.
	Handle NodeHandle
	Parent NodeHandle
	// Before, when set, is the child of Parent the new node goes in front of
	// (foster parenting).
	Before     NodeHandle
	Name       string
	Attributes map[string]string
	Data       string
	Charset    string
	Source     CharsetSource
	// Snapshot and Line are attached to run-script operations that start a
	// speculation.
	Snapshot *StateSnapshot
	Line     int
}

func (op TreeOperation) String() string {
	var b strings.Builder
	b.WriteString(op.Kind.String())
	switch op.Kind {
	case opAppendElement:
		fmt.Fprintf(&b, " #%d <%s> to #%d", op.Handle, op.Name, op.Parent)
		keys := make([]string, 0, len(op.Attributes))
		for k := range op.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%q", k, op.Attributes[k])
		}
	case opAppendText, opAppendComment:
		fmt.Fprintf(&b, " %q to #%d", op.Data, op.Parent)
	case opAppendDoctype:
		fmt.Fprintf(&b, " %s", op.Name)
	case opRunScript:
		fmt.Fprintf(&b, " #%d line %d", op.Handle, op.Line)
	case opSetDocumentCharset, opNeedsCharsetSwitch:
		fmt.Fprintf(&b, " %s", op.Charset)
	}
	if op.Before != 0 {
		fmt.Fprintf(&b, " before #%d", op.Before)
	}
	return b.String()
}

// TreeOpSink receives tree operations moved out of a tree builder.
type TreeOpSink interface {
	AppendOps(ops []TreeOperation)
}

type loadKind uint

const (
	loadScript loadKind = iota
	loadStylesheet
	loadImage
)

func (k loadKind) String() string {
	switch k {
	case loadScript:
		return "script"
	case loadStylesheet:
		return "stylesheet"
	default:
		return "image"
	}
}

// SpeculativeLoad is a resource worth fetching early, found while parsing
// ahead of the executor.
type SpeculativeLoad struct {
	Kind loadKind
	URL  string
}

func (l SpeculativeLoad) String() string {
	return l.Kind.String() + " " + l.URL
}
