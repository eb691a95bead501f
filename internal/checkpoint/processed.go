package checkpoint

// ProcessedIDs is an insertion-ordered set of message IDs.
type ProcessedIDs struct {
	order []string
	index map[string]struct{}
}

func NewProcessedIDs(ids ...string) *ProcessedIDs {
	p := &ProcessedIDs{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		p.Add(id)
	}
	return p
}

// Add inserts id, returning false if it was already present. Re-adding an
// existing id does not refresh its position.
func (p *ProcessedIDs) Add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := p.index[id]; ok {
		return false
	}
	p.index[id] = struct{}{}
	p.order = append(p.order, id)
	return true
}

func (p *ProcessedIDs) Contains(id string) bool {
	if p == nil {
		return false
	}
	_, ok := p.index[id]
	return ok
}

func (p *ProcessedIDs) Len() int {
	if p == nil {
		return 0
	}
	return len(p.order)
}

// IDs returns the ids oldest first.
func (p *ProcessedIDs) IDs() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.order...)
}

func (p *ProcessedIDs) Clone() *ProcessedIDs {
	if p == nil {
		return NewProcessedIDs()
	}
	return NewProcessedIDs(p.order...)
}

// TrimProcessedIDs evicts the oldest-inserted ids until at most max remain
// and returns how many were dropped. max <= 0 disables trimming.
func TrimProcessedIDs(set *ProcessedIDs, max int) int {
	if set == nil || max <= 0 || len(set.order) <= max {
		return 0
	}
	drop := len(set.order) - max
	for _, id := range set.order[:drop] {
		delete(set.index, id)
	}
	set.order = append([]string(nil), set.order[drop:]...)
	return drop
}
