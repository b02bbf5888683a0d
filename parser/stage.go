package parser

import "sync"

// Stage hands tree operations and speculative loads from the parser
// goroutine to the executor.
type Stage struct {
	mu    sync.Mutex
	ops   []TreeOperation
	loads []SpeculativeLoad
}

func (s *Stage) AppendOps(ops []TreeOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, ops...)
}

func (s *Stage) appendLoads(loads []SpeculativeLoad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, loads...)
}

func (s *Stage) takeOps() []TreeOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.ops
	s.ops = nil
	return ops
}

func (s *Stage) takeLoads() []SpeculativeLoad {
	s.mu.Lock()
	defer s.mu.Unlock()
	loads := s.loads
	s.loads = nil
	return loads
}
