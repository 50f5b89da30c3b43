package compose

import "sort"

// Conflict records a context key written by more than one source during a
// composite emission under a non-namespacing merger.
type Conflict struct {
	Key     string
	Sources []string
	Values  []any
}

// Merger fuses per-source contexts into one merged context. A custom
// merger must implement both Merge and MergeWithConflicts; the
// composition engine always calls the latter so it can surface conflicts.
type Merger interface {
	Merge(contexts map[string]map[string]any, sources []string) map[string]any
	MergeWithConflicts(contexts map[string]map[string]any, sources []string) (map[string]any, []Conflict)
}

// NamespacingMerger prefixes every key with "{source}{Delimiter}" so that
// no two sources can collide by construction; it never produces
// conflicts. This is the default merger.
type NamespacingMerger struct {
	Delimiter string
}

func (m NamespacingMerger) delimiter() string {
	if m.Delimiter == "" {
		return ":"
	}
	return m.Delimiter
}

func (m NamespacingMerger) Merge(contexts map[string]map[string]any, sources []string) map[string]any {
	merged, _ := m.MergeWithConflicts(contexts, sources)
	return merged
}

func (m NamespacingMerger) MergeWithConflicts(contexts map[string]map[string]any, sources []string) (map[string]any, []Conflict) {
	merged := make(map[string]any)
	delim := m.delimiter()
	for _, src := range sources {
		ctx, ok := contexts[src]
		if !ok {
			continue
		}
		for k, v := range ctx {
			merged[src+delim+k] = v
		}
	}
	return merged, nil
}

// OverrideMerger keeps the last writer for each key, in declared source
// order, and reports every key written by more than one source as a
// Conflict listing every writer in chronological (declared) order.
type OverrideMerger struct{}

func (m OverrideMerger) Merge(contexts map[string]map[string]any, sources []string) map[string]any {
	merged, _ := m.MergeWithConflicts(contexts, sources)
	return merged
}

func (m OverrideMerger) MergeWithConflicts(contexts map[string]map[string]any, sources []string) (map[string]any, []Conflict) {
	merged := make(map[string]any)
	writers := make(map[string][]string)
	values := make(map[string][]any)

	for _, src := range sources {
		ctx, ok := contexts[src]
		if !ok {
			continue
		}
		for k, v := range ctx {
			merged[k] = v
			writers[k] = append(writers[k], src)
			values[k] = append(values[k], v)
		}
	}

	var conflicts []Conflict
	for k, srcs := range writers {
		if len(srcs) > 1 {
			conflicts = append(conflicts, Conflict{Key: k, Sources: srcs, Values: values[k]})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Key < conflicts[j].Key })

	return merged, conflicts
}
