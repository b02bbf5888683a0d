package parser

// Speculation records where parsing went on past a script whose outcome is
// not known yet, and keeps the tree operations produced since then.
type Speculation struct {
	buffer          *UTF16Buffer
	start           int
	startLineNumber int
	snapshot        *StateSnapshot
	ops             []TreeOperation
}

func newSpeculation(buffer *UTF16Buffer, start, line int, snapshot *StateSnapshot) *Speculation {
	return &Speculation{
		buffer:          buffer,
		start:           start,
		startLineNumber: line,
		snapshot:        snapshot,
	}
}

func (s *Speculation) AppendOps(ops []TreeOperation) {
	s.ops = append(s.ops, ops...)
}

// FlushToSink moves the speculative operations to sink.
func (s *Speculation) FlushToSink(sink TreeOpSink) {
	if len(s.ops) == 0 {
		return
	}
	sink.AppendOps(s.ops)
	s.ops = nil
}
