package contact

// CheckDuplicates decides whether the contact in slot i duplicates another
// link and returns the slot to evict. A slot announcing the local identity is
// always evicted.
//
// Two links to the same peer exist when both sides dialed each other. Each
// side keeps the link dialed by the peer with the smaller (onion, port), so
// both ends evict the same connection without further messages. Equal
// identities evict the accepting side.
func (s *Store) CheckDuplicates(i int) (evict int, ok bool) {
	c, err := s.At(i)
	if err != nil {
		return -1, false
	}
	candidate := *c
	first := s.Find(candidate, 0)
	switch first.Kind {
	case Self:
		return i, true
	case NotFound:
		return -1, false
	}
	second := s.Find(candidate, first.Index+1)
	if second.Kind != Found {
		return -1, false
	}

	connectSide, acceptSide := first.Index, second.Index
	if s.slots[first.Index].Accepted {
		connectSide, acceptSide = second.Index, first.Index
	}

	switch cmp := s.me.Onion.Compare(candidate.Onion); {
	case cmp > 0:
		return connectSide, true
	case cmp < 0:
		return acceptSide, true
	}
	if s.me.Port > candidate.Port {
		return connectSide, true
	}
	return acceptSide, true
}
