package parser

type stackEntry struct {
	handle NodeHandle
	name   string
	parent NodeHandle
}

// StateSnapshot is the tree builder state a speculation resumes from: the
// stack of open elements and the insertion modes.
type StateSnapshot struct {
	stack        []stackEntry
	mode         insertionMode
	originalMode insertionMode
	headPointer  NodeHandle
}

func (s *StateSnapshot) matches(stack []stackEntry, mode, originalMode insertionMode, head NodeHandle) bool {
	if s == nil || s.mode != mode || s.originalMode != originalMode || s.headPointer != head {
		return false
	}
	if len(s.stack) != len(stack) {
		return false
	}
	for i := range stack {
		if s.stack[i] != stack[i] {
			return false
		}
	}
	return true
}
