package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

type SortMode string

const (
	SortPriceAsc  SortMode = "price-asc"
	SortPriceDesc SortMode = "price-desc"
	SortNewest    SortMode = "newest"
	SortRating    SortMode = "rating"
	SortRelevance SortMode = "relevance"
)

func (s SortMode) valid() bool {
	switch s {
	case SortPriceAsc, SortPriceDesc, SortNewest, SortRating, SortRelevance:
		return true
	}
	return false
}

// PriceRange bounds BasePrice inclusively.
type PriceRange struct {
	Min domain.Money `json:"min"`
	Max domain.Money `json:"max"`
}

type Filter struct {
	CategoryIDs []string
	PriceRange  *PriceRange
	MinRating   float64
	InStockOnly bool
	Tags        []string
	SearchText  string
	Sort        SortMode
	Page        int
	PageSize    int
}

type ProductSummary struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Price        domain.Money  `json:"price"`
	ComparePrice *domain.Money `json:"compare_price,omitempty"`
	Image        string        `json:"image,omitempty"`
	Rating       float64       `json:"rating"`
	InStock      bool          `json:"in_stock"`
	LowStock     bool          `json:"low_stock"`
	Score        float64       `json:"score,omitempty"`
}

func (f *Filter) validate() error {
	if f.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1, got %d", domain.ErrInvalidQuery, f.Page)
	}
	if f.PageSize <= 0 {
		return fmt.Errorf("%w: page size must be > 0, got %d", domain.ErrInvalidQuery, f.PageSize)
	}
	if f.Sort == "" {
		f.Sort = SortRelevance
	}
	if !f.Sort.valid() {
		return fmt.Errorf("%w: unknown sort %q", domain.ErrInvalidQuery, f.Sort)
	}
	if f.MinRating < 0 || f.MinRating > 5 {
		return fmt.Errorf("%w: min rating must be within 0..5", domain.ErrInvalidQuery)
	}
	if r := f.PriceRange; r != nil && (r.Min < 0 || r.Max < r.Min) {
		return fmt.Errorf("%w: invalid price range %d..%d", domain.ErrInvalidQuery, r.Min, r.Max)
	}
	return nil
}

type hit struct {
	e     *entry
	score float64
}

// Query filters, ranks and paginates the active products. The second return
// value counts every match before pagination.
func (ix *Index) Query(f Filter) ([]ProductSummary, int, error) {
	if err := f.validate(); err != nil {
		return nil, 0, err
	}
	tokens := tokenize(f.SearchText)

	ix.mu.RLock()
	hits := ix.match(&f, tokens)
	sortHits(hits, f.Sort)
	total := len(hits)
	start, end, ok := pageBounds(f.Page, f.PageSize, total)
	out := make([]ProductSummary, 0, end-start)
	if ok {
		// entries are mutated in place by SetStock and Deactivate
		for _, h := range hits[start:end] {
			out = append(out, summarize(h))
		}
	}
	ix.mu.RUnlock()

	if len(tokens) > 0 {
		ix.suggestions.recordSearch(f.SearchText)
	}
	return out, total, nil
}

// pageBounds returns the slice bounds of a 1-based page, or false when the
// page lies past the last match.
func pageBounds(page, size, total int) (int, int, bool) {
	pages := total / size
	if total%size != 0 {
		pages++
	}
	if page > pages {
		return 0, 0, false
	}
	start := (page - 1) * size
	end := total
	if total-start > size {
		end = start + size
	}
	return start, end, true
}

// match must run under at least a read lock. Candidates come from the most
// selective structure available, then every predicate is checked.
func (ix *Index) match(f *Filter, tokens []string) []hit {
	var scores map[string]float64
	var candidates []string

	switch {
	case len(tokens) > 0:
		scores = ix.textScores(tokens)
		candidates = make([]string, 0, len(scores))
		for id := range scores {
			candidates = append(candidates, id)
		}
	case f.PriceRange != nil:
		lo := sort.Search(len(ix.prices), func(i int) bool { return ix.prices[i].price >= f.PriceRange.Min })
		hi := sort.Search(len(ix.prices), func(i int) bool { return ix.prices[i].price > f.PriceRange.Max })
		for _, pp := range ix.prices[lo:hi] {
			candidates = append(candidates, pp.id)
		}
	case len(f.CategoryIDs) > 0:
		smallest := -1
		var set map[string]struct{}
		for _, c := range f.CategoryIDs {
			s := ix.categories[c]
			if smallest == -1 || len(s) < smallest {
				smallest, set = len(s), s
			}
		}
		for id := range set {
			candidates = append(candidates, id)
		}
	case len(f.Tags) > 0:
		seen := make(map[string]struct{})
		for _, t := range f.Tags {
			for id := range ix.tags[t] {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					candidates = append(candidates, id)
				}
			}
		}
	default:
		for id := range ix.active {
			candidates = append(candidates, id)
		}
	}

	hits := make([]hit, 0, len(candidates))
	for _, id := range candidates {
		e := ix.products[id]
		if e == nil || !ix.accept(f, e) {
			continue
		}
		hits = append(hits, hit{e: e, score: scores[id]})
	}
	return hits
}

func (ix *Index) accept(f *Filter, e *entry) bool {
	p := &e.product
	if !p.IsActive {
		return false
	}
	if r := f.PriceRange; r != nil && (p.BasePrice < r.Min || p.BasePrice > r.Max) {
		return false
	}
	if p.Rating < f.MinRating {
		return false
	}
	if f.InStockOnly && !p.InStock() {
		return false
	}
	for _, c := range f.CategoryIDs {
		if _, ok := ix.categories[c][p.ID]; !ok {
			return false
		}
	}
	if len(f.Tags) > 0 {
		matched := false
		for _, t := range f.Tags {
			if _, ok := ix.tags[t][p.ID]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// textScores requires every token to match. The last token also matches
// by prefix, at reduced weight, so partially typed words still find products.
func (ix *Index) textScores(tokens []string) map[string]float64 {
	var scores map[string]float64
	for i, tok := range tokens {
		tokenScores := make(map[string]float64)
		for id, w := range ix.postings[tok] {
			tokenScores[id] += w
		}
		if i == len(tokens)-1 {
			for _, term := range ix.terms.withPrefix(tok) {
				if term == tok {
					continue
				}
				for id, w := range ix.postings[term] {
					tokenScores[id] += w * prefixFactor
				}
			}
		}

		if scores == nil {
			scores = tokenScores
			continue
		}
		for id := range scores {
			s, ok := tokenScores[id]
			if !ok {
				delete(scores, id)
				continue
			}
			scores[id] += s
		}
	}
	return scores
}

func sortHits(hits []hit, mode SortMode) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := &hits[i].e.product, &hits[j].e.product
		switch mode {
		case SortPriceAsc:
			if a.BasePrice != b.BasePrice {
				return a.BasePrice < b.BasePrice
			}
		case SortPriceDesc:
			if a.BasePrice != b.BasePrice {
				return a.BasePrice > b.BasePrice
			}
		case SortNewest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		case SortRating:
			if a.Rating != b.Rating {
				return a.Rating > b.Rating
			}
		case SortRelevance:
			if hits[i].score != hits[j].score {
				return hits[i].score > hits[j].score
			}
		}
		return a.ID < b.ID
	})
}

func summarize(h hit) ProductSummary {
	p := &h.e.product
	s := ProductSummary{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.BasePrice,
		Rating:   p.Rating,
		InStock:  p.InStock(),
		LowStock: p.LowStock(),
		Score:    h.score,
	}
	if cp, ok := p.Discount(); ok {
		s.ComparePrice = &cp
	}
	if len(p.Images) > 0 {
		s.Image = p.Images[0]
	}
	return s
}

// ParseSort maps a user-supplied sort name, defaulting to relevance.
func ParseSort(s string) SortMode {
	if s == "" {
		return SortRelevance
	}
	return SortMode(strings.ToLower(s))
}
