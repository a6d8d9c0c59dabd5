package reference

import (
	"slices"
	"sort"
)

// Index is the bidirectional reference↔target link table. It holds ids only;
// tasks are always looked up through the caller's task map.
type Index struct {
	byRef    map[string][]Entry
	byTarget map[string][]string
}

// NewIndex builds the index from entries in order.
func NewIndex(entries []Entry) *Index {
	x := &Index{
		byRef:    make(map[string][]Entry),
		byTarget: make(map[string][]string),
	}
	for _, e := range entries {
		x.byRef[e.TaskID] = append(x.byRef[e.TaskID], e)
		if !slices.Contains(x.byTarget[e.TargetTaskID], e.TaskID) {
			x.byTarget[e.TargetTaskID] = append(x.byTarget[e.TargetTaskID], e.TaskID)
		}
	}
	for _, refs := range x.byTarget {
		sort.Strings(refs)
	}
	return x
}

// Entries are the links a reference drives.
func (x *Index) Entries(refID string) []Entry { return x.byRef[refID] }

// ReferencesOf lists the references gating target, sorted.
func (x *Index) ReferencesOf(targetID string) []string { return x.byTarget[targetID] }

// TargetsOf lists the distinct targets fed by ref, sorted.
func (x *Index) TargetsOf(refID string) []string {
	var out []string
	for _, e := range x.byRef[refID] {
		if !slices.Contains(out, e.TargetTaskID) {
			out = append(out, e.TargetTaskID)
		}
	}
	sort.Strings(out)
	return out
}

// IsReference reports whether id drives any target.
func (x *Index) IsReference(id string) bool { return len(x.byRef[id]) > 0 }

// Len is the number of links.
func (x *Index) Len() int {
	n := 0
	for _, es := range x.byRef {
		n += len(es)
	}
	return n
}
