package stack

import "sync"

// Stack is a concurrent LIFO collection.
type Stack[V any] struct {
	m sync.Mutex
	s []V
}

func New[V any]() *Stack[V] {
	return &Stack[V]{}
}

func (s *Stack[V]) Push(v V) {
	s.m.Lock()
	s.s = append(s.s, v)
	s.m.Unlock()
}

// Pop removes and returns the most recently pushed value.
// ok is false if the stack is empty.
func (s *Stack[V]) Pop() (v V, ok bool) {
	s.m.Lock()
	defer s.m.Unlock()

	n := len(s.s)
	if n == 0 {
		return v, false
	}

	v = s.s[n-1]
	var zero V
	s.s[n-1] = zero // release the reference
	s.s = s.s[:n-1]
	return v, true
}

func (s *Stack[V]) Len() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.s)
}
