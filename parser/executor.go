package parser

import (
	"sync"

	"github.com/heathj/htmlstream/parser/dom"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Executor applies tree operations to a document. All of its methods run
// on the main loop.
type Executor struct {
	opts    *options
	log     logrus.FieldLogger
	loop    *EventLoop
	stage   *Stage
	parser  *StreamParser
	doc     *dom.Document
	nodes   map[NodeHandle]*dom.Node
	handles *atomic.Int64

	queue          []TreeOperation
	inFlushLoop    bool
	terminated     bool
	reparseCharset string
	err            error

	done     chan struct{}
	doneOnce sync.Once
}

// NewExecutor creates an executor that runs on loop.
func NewExecutor(loop *EventLoop, opts ...Option) *Executor {
	o := buildOptions(opts)
	e := &Executor{
		opts:    o,
		log:     o.log.WithField("component", "executor"),
		loop:    loop,
		stage:   &Stage{},
		doc:     dom.NewDocument(),
		handles: atomic.NewInt64(0),
		done:    make(chan struct{}),
	}
	e.nodes = map[NodeHandle]*dom.Node{documentHandle: e.doc.Node}
	return e
}

func (e *Executor) Document() *dom.Document { return e.doc }

// Done is closed once the stream ended, the parse was abandoned or a
// reparse was accepted.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Err is the error the parse was abandoned with. Read it after Done.
func (e *Executor) Err() error { return e.err }

// ReparseCharset is the charset the document has to be reloaded in, or "".
// Read it after Done.
func (e *Executor) ReparseCharset() string { return e.reparseCharset }

func (e *Executor) AppendOps(ops []TreeOperation) {
	e.queue = append(e.queue, ops...)
}

// RunFlushLoop executes queued operations, then whatever the parser staged,
// until both run dry. Calls made while it runs return immediately.
func (e *Executor) RunFlushLoop() {
	if e.inFlushLoop || e.terminated {
		return
	}
	e.inFlushLoop = true
	defer func() { e.inFlushLoop = false }()

	for !e.terminated {
		if len(e.queue) == 0 {
			e.queue = e.stage.takeOps()
			if len(e.queue) == 0 {
				break
			}
		}
		op := e.queue[0]
		e.queue = e.queue[1:]
		e.execute(op)
	}
	e.FlushSpeculativeLoads()
}

// FlushSpeculativeLoads hands staged loads to the load handler.
func (e *Executor) FlushSpeculativeLoads() {
	for _, load := range e.stage.takeLoads() {
		if e.opts.loadHandler != nil {
			e.opts.loadHandler(load)
		}
	}
}

func (e *Executor) execute(op TreeOperation) {
	if e.opts.opObserver != nil {
		e.opts.opObserver(op)
	}
	switch op.Kind {
	case opAppendElement:
		node := dom.NewElement(op.Name, op.Attributes)
		e.nodes[op.Handle] = node
		e.insert(op, node)
	case opAppendText:
		if parent := e.node(op.Parent); parent != nil {
			parent.InsertText(op.Data, e.nodes[op.Before])
		}
	case opAppendComment:
		e.insert(op, dom.NewComment(op.Data))
	case opAppendDoctype:
		e.insert(op, dom.NewDocTypeNode(op.Name))
	case opRunScript:
		e.runScript(op)
	case opSetDocumentCharset:
		e.doc.Charset = op.Charset
		e.doc.CharsetSource = op.Source.String()
	case opNeedsCharsetSwitch:
		e.needsCharsetSwitch(op)
	case opStreamEnded:
		e.finish()
	}
}

func (e *Executor) node(h NodeHandle) *dom.Node {
	n, ok := e.nodes[h]
	if !ok {
		e.log.WithField("handle", h).Warn("operation on unknown node")
	}
	return n
}

func (e *Executor) insert(op TreeOperation, n *dom.Node) {
	parent := e.node(op.Parent)
	if parent == nil {
		return
	}
	if op.Before != 0 {
		parent.InsertBefore(n, e.nodes[op.Before])
		return
	}
	parent.AppendChild(n)
}

// runScript runs a script and, when parsing went on past it, parses what
// it wrote on this goroutine and lets the stream parser decide whether the
// speculation still holds.
func (e *Executor) runScript(op TreeOperation) {
	var written string
	if e.opts.scriptRunner != nil {
		w, err := e.opts.scriptRunner(e.doc, e.nodes[op.Handle])
		if err != nil {
			e.log.WithError(err).WithField("line", op.Line).Warn("script failed")
		}
		written = w
	}
	if op.Snapshot == nil || e.parser == nil {
		return
	}

	tb := NewTreeBuilder(e.handles, e.opts.cfg.ScriptingEnabled, e.opts.log)
	tb.SetOpSink(e)
	tb.SetLoadStage(e.stage)
	tb.LoadState(op.Snapshot)
	tokenizer := NewTokenizer(tb)
	tokenizer.SetLineNumber(op.Line)
	var lastWasCR bool
	// A script end tag in the written markup suspends the tokenizer; the
	// script runs later without a speculation of its own.
	buf := newUTF16BufferFromString(written)
	for buf.HasMore() {
		buf.Adjust(lastWasCR)
		lastWasCR = tokenizer.TokenizeBuffer(buf)
	}
	tb.Flush()
	e.parser.ContinueAfterScripts(tokenizer, tb, lastWasCR)
}

func (e *Executor) needsCharsetSwitch(op TreeOperation) {
	if e.opts.reparseHandler != nil && e.opts.reparseHandler(op.Charset, op.Source) {
		e.log.WithField("charset", op.Charset).Debug("reparsing")
		e.reparseCharset = op.Charset
		e.terminated = true
		if e.parser != nil {
			e.parser.Terminate()
		}
		e.finish()
		return
	}
	if e.parser != nil {
		e.parser.ContinueAfterFailedCharsetSwitch()
	}
}

func (e *Executor) abort(err error) {
	e.err = err
	e.terminated = true
	e.queue = nil
	e.finish()
}

func (e *Executor) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}
