package model

import (
	"sort"

	"github.com/rotisserie/eris"
)

// LabelEntry maps a class index of a trained model to its label name.
type LabelEntry struct {
	Index int    `json:"index" yaml:"index"`
	Name  string `json:"name" yaml:"name"`
}

// LabelMap is the ordered class vocabulary of a session's model. It is
// persisted as a JSON array of entries so the index stays an integer on
// every round trip.
type LabelMap []LabelEntry

// NewLabelMap builds a label map from class names, sorted and deduplicated,
// assigning indexes in sorted order. Empty names are dropped.
func NewLabelMap(names []string) LabelMap {
	seen := make(map[string]bool, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		uniq = append(uniq, n)
	}
	sort.Strings(uniq)

	lm := make(LabelMap, len(uniq))
	for i, n := range uniq {
		lm[i] = LabelEntry{Index: i, Name: n}
	}
	return lm
}

// Name returns the label for a class index.
func (lm LabelMap) Name(index int) (string, bool) {
	for _, e := range lm {
		if e.Index == index {
			return e.Name, true
		}
	}
	return "", false
}

// Index returns the class index for a label name.
func (lm LabelMap) Index(name string) (int, bool) {
	for _, e := range lm {
		if e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}

// Names returns the label names ordered by index.
func (lm LabelMap) Names() []string {
	sorted := make(LabelMap, len(lm))
	copy(sorted, lm)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.Name
	}
	return names
}

// Validate rejects duplicate indexes, duplicate names, negative indexes and
// empty names.
func (lm LabelMap) Validate() error {
	indexes := make(map[int]bool, len(lm))
	names := make(map[string]bool, len(lm))
	for _, e := range lm {
		if e.Index < 0 {
			return eris.Errorf("label map: negative index %d", e.Index)
		}
		if e.Name == "" {
			return eris.Errorf("label map: empty name at index %d", e.Index)
		}
		if indexes[e.Index] {
			return eris.Errorf("label map: duplicate index %d", e.Index)
		}
		if names[e.Name] {
			return eris.Errorf("label map: duplicate name %q", e.Name)
		}
		indexes[e.Index] = true
		names[e.Name] = true
	}
	return nil
}
