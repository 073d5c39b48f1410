package pending

import "container/list"

// settledSet remembers the terminal status of recently settled ids so a late
// response can be told apart from one that was never issued. It is bounded and
// evicts oldest first. Callers hold Table.mu.
type settledSet struct {
	max   int
	seen  map[string]*list.Element
	order *list.List
}

type settledEntry struct {
	id     string
	status Status
}

func newSettledSet(max int) *settledSet {
	return &settledSet{
		max:   max,
		seen:  make(map[string]*list.Element),
		order: list.New(),
	}
}

func (s *settledSet) add(id string, status Status) {
	if el, ok := s.seen[id]; ok {
		el.Value.(*settledEntry).status = status
		s.order.MoveToBack(el)
		return
	}
	for s.order.Len() >= s.max {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		delete(s.seen, oldest.Value.(*settledEntry).id)
		s.order.Remove(oldest)
	}
	s.seen[id] = s.order.PushBack(&settledEntry{id: id, status: status})
}

func (s *settledSet) get(id string) (Status, bool) {
	el, ok := s.seen[id]
	if !ok {
		return StatusPending, false
	}
	return el.Value.(*settledEntry).status, true
}

func (s *settledSet) has(id string) bool {
	_, ok := s.seen[id]
	return ok
}
