package catalog

import (
	"sort"
	"sync"
)

// defaultMaxSearchTerms bounds how many search-only terms are remembered.
const defaultMaxSearchTerms = 5000

type suggestion struct {
	text     string
	lastUsed uint64
	count    int
	owners   map[string]struct{} // products whose name this is
}

func (s *suggestion) searchOnly() bool { return len(s.owners) == 0 }

// suggester remembers product names and past search terms for type-ahead.
// Recency is a logical clock so ordering is deterministic.
type suggester struct {
	mu         sync.Mutex
	clock      uint64
	entries    map[string]*suggestion
	keys       sortedStrings
	names      map[string]string // product id -> key
	searchOnly int
	maxSearch  int
}

func newSuggester(maxSearch int) *suggester {
	return &suggester{
		entries:   make(map[string]*suggestion),
		names:     make(map[string]string),
		maxSearch: maxSearch,
	}
}

func (s *suggester) tick() uint64 {
	s.clock++
	return s.clock
}

func (s *suggester) addName(id, name string) {
	key := normalizeTerm(name)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.names[id]; ok {
		if old == key {
			return
		}
		s.dropOwner(id, old)
	}
	s.names[id] = key

	e, ok := s.entries[key]
	if !ok {
		e = &suggestion{text: name, owners: make(map[string]struct{})}
		s.entries[key] = e
		s.keys.insert(key)
	} else if e.searchOnly() {
		s.searchOnly--
	}
	e.owners[id] = struct{}{}
	e.lastUsed = s.tick()
}

func (s *suggester) removeName(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.names[id]; ok {
		s.dropOwner(id, key)
		delete(s.names, id)
	}
}

// dropOwner must be called with s.mu held. A name that was also searched for
// survives as a search term.
func (s *suggester) dropOwner(id, key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(e.owners, id)
	if !e.searchOnly() {
		return
	}
	if e.count == 0 {
		s.delete(key)
		return
	}
	s.searchOnly++
	s.evict()
}

func (s *suggester) recordSearch(text string) {
	key := normalizeTerm(text)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &suggestion{text: key, owners: make(map[string]struct{})}
		s.entries[key] = e
		s.keys.insert(key)
		s.searchOnly++
	}
	e.count++
	e.lastUsed = s.tick()
	s.evict()
}

// evict drops the least recently used search-only terms beyond the cap.
func (s *suggester) evict() {
	for s.searchOnly > s.maxSearch {
		var oldest string
		var oldestAt uint64
		for key, e := range s.entries {
			if !e.searchOnly() {
				continue
			}
			if oldest == "" || e.lastUsed < oldestAt {
				oldest, oldestAt = key, e.lastUsed
			}
		}
		if oldest == "" {
			return
		}
		s.delete(oldest)
		s.searchOnly--
	}
}

func (s *suggester) delete(key string) {
	delete(s.entries, key)
	s.keys.remove(key)
}

func (s *suggester) suggest(prefix string, limit int) []string {
	if limit <= 0 {
		return []string{}
	}
	p := normalizeTerm(prefix)

	s.mu.Lock()
	keys := s.keys.withPrefix(p)
	matches := make([]suggestion, 0, len(keys))
	for _, key := range keys {
		e := s.entries[key]
		matches = append(matches, suggestion{text: e.text, lastUsed: e.lastUsed, count: e.count})
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.lastUsed != b.lastUsed {
			return a.lastUsed > b.lastUsed
		}
		if a.count != b.count {
			return a.count > b.count
		}
		return a.text < b.text
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.text
	}
	return out
}

// Suggest returns remembered search terms and active product names starting
// with prefix, most recently used first.
func (ix *Index) Suggest(prefix string, limit int) []string {
	return ix.suggestions.suggest(prefix, limit)
}
