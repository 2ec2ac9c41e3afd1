package catalog

import (
	"sort"
	"strings"
	"unicode"
)

const (
	nameWeight        = 3.0
	descriptionWeight = 1.0
	prefixFactor      = 0.5
)

// tokenize lower-cases text and splits it on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// termWeights scores every term of a product's searchable text.
func termWeights(name, description string) map[string]float64 {
	weights := make(map[string]float64)
	for _, t := range tokenize(name) {
		weights[t] += nameWeight
	}
	for _, t := range tokenize(description) {
		weights[t] += descriptionWeight
	}
	return weights
}

// normalizeTerm is the key under which search terms are remembered.
func normalizeTerm(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// sortedStrings is a set kept in ascending order so prefix ranges are a binary search away.
type sortedStrings []string

func (s *sortedStrings) insert(v string) {
	i := sort.SearchStrings(*s, v)
	if i < len(*s) && (*s)[i] == v {
		return
	}
	*s = append(*s, "")
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = v
}

func (s *sortedStrings) remove(v string) {
	i := sort.SearchStrings(*s, v)
	if i == len(*s) || (*s)[i] != v {
		return
	}
	*s = append((*s)[:i], (*s)[i+1:]...)
}

func (s sortedStrings) withPrefix(prefix string) []string {
	i := sort.SearchStrings(s, prefix)
	j := i
	for j < len(s) && strings.HasPrefix(s[j], prefix) {
		j++
	}
	return s[i:j]
}
