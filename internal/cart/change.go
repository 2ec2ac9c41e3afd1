package cart

import "github.com/fjod/go_cart/storefront/internal/domain"

type ChangeOp string

const (
	OpAdd        ChangeOp = "add"
	OpUpdate     ChangeOp = "update"
	OpRemove     ChangeOp = "remove"
	OpRevalidate ChangeOp = "revalidate"
	OpRestore    ChangeOp = "restore"
	OpClear      ChangeOp = "clear"
)

// LineDiff is one changed line. Before is nil for an added line and After
// is nil for a removed one.
type LineDiff struct {
	Key    domain.LineKey   `json:"key"`
	Before *domain.CartLine `json:"before,omitempty"`
	After  *domain.CartLine `json:"after,omitempty"`
}

// Change is published after every mutation that produced a new version.
type Change struct {
	CartID  string     `json:"cart_id"`
	Version uint64     `json:"version"`
	Op      ChangeOp   `json:"op"`
	Diff    []LineDiff `json:"diff"`
}

// diffLines compares two line lists by key.
func diffLines(before, after []domain.CartLine) []LineDiff {
	old := make(map[domain.LineKey]domain.CartLine, len(before))
	for _, l := range before {
		old[l.Key()] = l
	}

	var diff []LineDiff
	for _, l := range after {
		l := l
		prev, ok := old[l.Key()]
		delete(old, l.Key())
		switch {
		case !ok:
			diff = append(diff, LineDiff{Key: l.Key(), After: &l})
		case prev != l:
			p := prev
			diff = append(diff, LineDiff{Key: l.Key(), Before: &p, After: &l})
		}
	}
	for _, l := range before {
		if prev, ok := old[l.Key()]; ok {
			p := prev
			diff = append(diff, LineDiff{Key: l.Key(), Before: &p})
		}
	}
	return diff
}
