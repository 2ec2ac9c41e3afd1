package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

type pricePoint struct {
	price domain.Money
	id    string
}

func lessPrice(a, b pricePoint) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	return a.id < b.id
}

type entry struct {
	product domain.Product
	terms   map[string]float64
}

// Index holds the product set and the auxiliary structures that answer
// queries without rescanning the catalog. Only active products are indexed;
// inactive ones stay resolvable by ID.
type Index struct {
	mu         sync.RWMutex
	products   map[string]*entry
	postings   map[string]map[string]float64 // term -> product id -> weight
	terms      sortedStrings
	prices     []pricePoint
	categories map[string]map[string]struct{}
	tags       map[string]map[string]struct{}
	active     map[string]struct{}

	suggestions *suggester
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		products:    make(map[string]*entry),
		postings:    make(map[string]map[string]float64),
		categories:  make(map[string]map[string]struct{}),
		tags:        make(map[string]map[string]struct{}),
		active:      make(map[string]struct{}),
		suggestions: newSuggester(defaultMaxSearchTerms),
	}
}

// Upsert adds or replaces a product, touching only that product's postings.
func (ix *Index) Upsert(p domain.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.products[p.ID]; ok {
		ix.unindex(old)
	}
	e := &entry{product: p.Clone()}
	ix.products[p.ID] = e
	if p.IsActive {
		ix.index(e)
	}
	return nil
}

// Deactivate hides a product from queries and suggestions but keeps it resolvable.
func (ix *Index) Deactivate(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.products[id]
	if !ok {
		return fmt.Errorf("deactivate %s: %w", id, domain.ErrProductNotFound)
	}
	if e.product.IsActive {
		ix.unindex(e)
		e.product.IsActive = false
	}
	return nil
}

// Remove deletes a product entirely.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e, ok := ix.products[id]; ok {
		ix.unindex(e)
		delete(ix.products, id)
	}
}

// SetStock refreshes the stock snapshot of a product or one of its variants.
func (ix *Index) SetStock(productID, variantID string, inv domain.Inventory) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.products[productID]
	if !ok {
		return fmt.Errorf("set stock %s: %w", productID, domain.ErrProductNotFound)
	}
	if variantID == "" && !e.product.HasVariants() {
		e.product.Stock = inv
		return nil
	}
	v, ok := e.product.Variant(variantID)
	if !ok {
		return fmt.Errorf("set stock %s/%s: %w", productID, variantID, domain.ErrVariantNotFound)
	}
	v.Stock = inv
	return nil
}

// Product resolves any known product, active or not.
func (ix *Index) Product(id string) (*domain.Product, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.products[id]
	if !ok {
		return nil, false
	}
	p := e.product.Clone()
	return &p, true
}

// Len returns the number of active products.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.active)
}

func (ix *Index) index(e *entry) {
	p := &e.product
	ix.active[p.ID] = struct{}{}

	e.terms = termWeights(p.Name, p.Description)
	for term, w := range e.terms {
		posting, ok := ix.postings[term]
		if !ok {
			posting = make(map[string]float64)
			ix.postings[term] = posting
			ix.terms.insert(term)
		}
		posting[p.ID] = w
	}

	pp := pricePoint{price: p.BasePrice, id: p.ID}
	i := sort.Search(len(ix.prices), func(i int) bool { return !lessPrice(ix.prices[i], pp) })
	ix.prices = append(ix.prices, pricePoint{})
	copy(ix.prices[i+1:], ix.prices[i:])
	ix.prices[i] = pp

	addPosting(ix.categories, p.Categories, p.ID)
	addPosting(ix.tags, p.Tags, p.ID)

	ix.suggestions.addName(p.ID, p.Name)
}

func (ix *Index) unindex(e *entry) {
	p := &e.product
	if _, ok := ix.active[p.ID]; !ok {
		return
	}
	delete(ix.active, p.ID)

	for term := range e.terms {
		posting := ix.postings[term]
		delete(posting, p.ID)
		if len(posting) == 0 {
			delete(ix.postings, term)
			ix.terms.remove(term)
		}
	}
	e.terms = nil

	pp := pricePoint{price: p.BasePrice, id: p.ID}
	i := sort.Search(len(ix.prices), func(i int) bool { return !lessPrice(ix.prices[i], pp) })
	if i < len(ix.prices) && ix.prices[i] == pp {
		ix.prices = append(ix.prices[:i], ix.prices[i+1:]...)
	}

	removePosting(ix.categories, p.Categories, p.ID)
	removePosting(ix.tags, p.Tags, p.ID)

	ix.suggestions.removeName(p.ID)
}

func addPosting(postings map[string]map[string]struct{}, keys []string, id string) {
	for _, k := range keys {
		set, ok := postings[k]
		if !ok {
			set = make(map[string]struct{})
			postings[k] = set
		}
		set[id] = struct{}{}
	}
}

func removePosting(postings map[string]map[string]struct{}, keys []string, id string) {
	for _, k := range keys {
		set := postings[k]
		delete(set, id)
		if len(set) == 0 {
			delete(postings, k)
		}
	}
}
