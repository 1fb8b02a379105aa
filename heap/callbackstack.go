package heap

// callbackStackBlockSize is the number of items per block. A drained block
// is kept around so that a stack oscillating around a block boundary does
// not allocate on every push.
const callbackStackBlockSize = 512

type callbackBlock[T any] struct {
	next  *callbackBlock[T]
	n     int
	items [callbackStackBlockSize]T
}

// callbackStack is an unbounded LIFO of callback items made of linked
// fixed-size blocks. It is only used while the world is stopped or by the
// thread running a thread-local GC, so it has no locking.
type callbackStack[T any] struct {
	top   *callbackBlock[T]
	spare *callbackBlock[T]
	size  int
}

func (s *callbackStack[T]) push(item T) {
	if s.top == nil || s.top.n == callbackStackBlockSize {
		b := s.spare
		if b != nil {
			s.spare = nil
		} else {
			b = new(callbackBlock[T])
		}
		b.next = s.top
		s.top = b
	}
	s.top.items[s.top.n] = item
	s.top.n++
	s.size++
}

func (s *callbackStack[T]) pop() (T, bool) {
	var zero T
	for s.top != nil && s.top.n == 0 {
		b := s.top
		s.top = b.next
		b.next = nil
		s.spare = b
	}
	if s.top == nil {
		return zero, false
	}
	s.top.n--
	item := s.top.items[s.top.n]
	s.top.items[s.top.n] = zero
	s.size--
	return item, true
}

func (s *callbackStack[T]) isEmpty() bool { return s.size == 0 }

func (s *callbackStack[T]) len() int { return s.size }

// forEach visits the items from the most recently pushed down, without
// popping them. fn may push onto other stacks but not onto s.
func (s *callbackStack[T]) forEach(fn func(T)) {
	for b := s.top; b != nil; b = b.next {
		for i := b.n - 1; i >= 0; i-- {
			fn(b.items[i])
		}
	}
}

func (s *callbackStack[T]) clear() {
	s.top = nil
	s.size = 0
}
