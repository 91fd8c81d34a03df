package bus

// Progress is a recursive progress tree reported by subscribers.
// A leaf carries done/total counts, an inner node aggregates its parts.
// Totals are computed bottom-up over all leaves.
type Progress struct {
	Name  string      `json:"name"`
	Parts []*Progress `json:"parts,omitempty"`
	Done  int         `json:"done,omitempty"`
	Total int         `json:"total,omitempty"`
}

// ProgressDone creates a leaf progress node.
func ProgressDone(name string, done, total int) *Progress {
	return &Progress{Name: name, Done: done, Total: total}
}

// ProgressParts creates an inner progress node aggregating the given parts.
func ProgressParts(name string, parts ...*Progress) *Progress {
	return &Progress{Name: name, Parts: parts}
}

// IsLeaf reports whether this node carries counts directly.
func (p *Progress) IsLeaf() bool { return len(p.Parts) == 0 }

// Overall sums done and total over all leaves of the tree.
func (p *Progress) Overall() (done, total int) {
	if p == nil {
		return 0, 0
	}
	if p.IsLeaf() {
		return p.Done, p.Total
	}
	for _, part := range p.Parts {
		d, t := part.Overall()
		done += d
		total += t
	}
	return done, total
}

// Percentage returns the overall completion in percent, 100 for an
// empty tree.
func (p *Progress) Percentage() int {
	done, total := p.Overall()
	if total == 0 {
		return 100
	}
	return done * 100 / total
}
