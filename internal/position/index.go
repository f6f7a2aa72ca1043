package position

// openIndex tracks the instruments an account holds a non-zero position in:
// a dense id array plus an id→slot map, giving O(1) add and remove-by-swap
// and bounded paginated reads for risk aggregation. Membership in the index
// is exactly the set of non-zero positions; zero-quantity entries are pruned
// immediately so the list cannot grow without bound.
type openIndex struct {
	ids   []string
	slots map[string]int
}

func newOpenIndex() *openIndex {
	return &openIndex{slots: make(map[string]int)}
}

func (x *openIndex) add(id string) {
	if _, ok := x.slots[id]; ok {
		return
	}
	x.slots[id] = len(x.ids)
	x.ids = append(x.ids, id)
}

func (x *openIndex) remove(id string) {
	slot, ok := x.slots[id]
	if !ok {
		return
	}
	last := len(x.ids) - 1
	if slot != last {
		moved := x.ids[last]
		x.ids[slot] = moved
		x.slots[moved] = slot
	}
	x.ids = x.ids[:last]
	delete(x.slots, id)
}

func (x *openIndex) page(offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if x == nil || offset >= len(x.ids) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(x.ids) {
		end = len(x.ids)
	}
	out := make([]string, end-offset)
	copy(out, x.ids[offset:end])
	return out
}

func (x *openIndex) len() int {
	if x == nil {
		return 0
	}
	return len(x.ids)
}
