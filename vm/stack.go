package vm

// RefStack is a segmented stack of refs. Only the current (top) segment is
// directly addressable. An operator that needs more operands than the top
// segment holds fails with the stack's underflow error; the interpreter
// then merges the segment below and retries. Likewise an overflow either
// opens a new segment or, at the configured maximum, is reported.
type RefStack struct {
	lower [][]Ref
	below int
	cur   []Ref

	block int
	max   int

	overflow  ErrorCode
	underflow ErrorCode

	// Requested is how many free slots the last failed Need asked for.
	Requested int
}

func newRefStack(block, max int, overflow, underflow ErrorCode) *RefStack {
	if block > max {
		block = max
	}
	return &RefStack{
		cur:       make([]Ref, 0, block),
		block:     block,
		max:       max,
		overflow:  overflow,
		underflow: underflow,
	}
}

// Count returns the total depth across all segments.
func (s *RefStack) Count() int { return s.below + len(s.cur) }

// Avail returns the number of entries directly addressable.
func (s *RefStack) Avail() int { return len(s.cur) }

// Room returns the number of pushes that fit in the current segment.
func (s *RefStack) Room() int {
	n := cap(s.cur) - len(s.cur)
	if rest := s.max - s.Count(); n > rest {
		n = rest
	}
	return n
}

// Max returns the configured maximum depth.
func (s *RefStack) Max() int { return s.max }

// Check fails with the underflow error unless n entries are addressable.
func (s *RefStack) Check(n int) error {
	if len(s.cur) < n {
		return s.underflow
	}
	return nil
}

// Need fails with the overflow error unless n more entries fit.
func (s *RefStack) Need(n int) error {
	if s.Room() < n {
		s.Requested = n
		return s.overflow
	}
	return nil
}

// Push adds r on top.
func (s *RefStack) Push(r Ref) error {
	if len(s.cur) == cap(s.cur) || s.Count() >= s.max {
		s.Requested = 1
		return s.overflow
	}
	s.cur = append(s.cur, r)
	return nil
}

// Pop discards the top n entries of the current segment.
func (s *RefStack) Pop(n int) {
	for i := len(s.cur) - n; i < len(s.cur); i++ {
		s.cur[i] = Ref{}
	}
	s.cur = s.cur[:len(s.cur)-n]
}

// Top returns a pointer to the top entry.
func (s *RefStack) Top() *Ref { return &s.cur[len(s.cur)-1] }

// At returns a pointer to the entry i below the top (0 is the top) within
// the current segment.
func (s *RefStack) At(i int) *Ref { return &s.cur[len(s.cur)-1-i] }

// Index returns the entry i below the top, looking through every segment.
func (s *RefStack) Index(i int) (Ref, bool) {
	if i < 0 {
		return Ref{}, false
	}
	if i < len(s.cur) {
		return s.cur[len(s.cur)-1-i], true
	}
	i -= len(s.cur)
	for j := len(s.lower) - 1; j >= 0; j-- {
		seg := s.lower[j]
		if i < len(seg) {
			return seg[len(seg)-1-i], true
		}
		i -= len(seg)
	}
	return Ref{}, false
}

// Extend opens a new segment with room for at least n entries, carrying
// the top third of the current segment along so that recent operands stay
// addressable. It fails when that would take the stack past its maximum.
func (s *RefStack) Extend(n int) bool {
	if n < 1 {
		n = 1
	}
	if s.Count()+n > s.max {
		return false
	}
	keep := len(s.cur) / 3
	size := s.block
	if size < n+keep {
		size = n + keep
	}
	if rest := s.max - s.Count() + keep; size > rest {
		size = rest
	}
	next := make([]Ref, 0, size)
	next = append(next, s.cur[len(s.cur)-keep:]...)
	if low := s.cur[:len(s.cur)-keep]; len(low) > 0 {
		s.lower = append(s.lower, low[:len(low):len(low)])
		s.below += len(low)
	}
	s.cur = next
	return true
}

// PopBlock merges the segment below into the current one, making its
// entries addressable. The merged segment keeps room for the last
// request. It reports false when there is nothing below.
func (s *RefStack) PopBlock() bool {
	n := len(s.lower)
	if n == 0 {
		return false
	}
	seg := s.lower[n-1]
	s.lower = s.lower[:n-1]
	s.below -= len(seg)
	room := s.block
	if s.Requested > room {
		room = s.Requested
	}
	merged := make([]Ref, 0, len(seg)+len(s.cur)+room)
	merged = append(merged, seg...)
	merged = append(merged, s.cur...)
	s.cur = merged
	return true
}

// PopTo pops entries, across segments, until the depth is n.
func (s *RefStack) PopTo(n int) {
	for s.Count() > n {
		if len(s.cur) == 0 {
			s.PopBlock()
			continue
		}
		k := s.Count() - n
		if k > len(s.cur) {
			k = len(s.cur)
		}
		s.Pop(k)
	}
}

// Clear empties the stack.
func (s *RefStack) Clear() {
	s.lower = nil
	s.below = 0
	s.cur = make([]Ref, 0, s.block)
}

// Slice copies the whole stack, bottom first.
func (s *RefStack) Slice() []Ref {
	out := make([]Ref, 0, s.Count())
	for _, seg := range s.lower {
		out = append(out, seg...)
	}
	return append(out, s.cur...)
}

// EnumRoots visits every entry.
func (s *RefStack) EnumRoots(fn func(p *Ref)) {
	for _, seg := range s.lower {
		for i := range seg {
			fn(&seg[i])
		}
	}
	for i := range s.cur {
		fn(&s.cur[i])
	}
}

// CountToMark returns the number of entries above the topmost entry for
// which isMark is true, looking through every segment.
func (s *RefStack) CountToMark(isMark func(Ref) bool) (int, bool) {
	for i := 0; i < s.Count(); i++ {
		r, _ := s.Index(i)
		if isMark(r) {
			return i, true
		}
	}
	return 0, false
}
