// Package core implements the drill engine: the task catalog, the
// per-session scheduler and the answer recorder.
package core

import (
	"sort"
	"strings"

	"lingodrill/internal/store"
)

// FilterGroup is one disjunctive clause: a task matches the group when
// any of its tag values contains any of the group's values.
type FilterGroup struct {
	Values []string
}

// Filter is a conjunction of groups. A nil *Filter matches everything.
type Filter struct {
	Groups []FilterGroup
}

// ParseFilter parses a user filter expression: groups separated by ";"
// are ANDed, values within a group separated by "," are ORed. Values
// are trimmed and lowercased. An empty expression yields nil.
func ParseFilter(expr string) *Filter {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	var filter Filter
	for _, group := range strings.Split(expr, ";") {
		var fg FilterGroup
		for _, value := range strings.Split(group, ",") {
			fg.Values = append(fg.Values, strings.ToLower(strings.TrimSpace(value)))
		}
		filter.Groups = append(filter.Groups, fg)
	}
	return &filter
}

// Match reports whether a task with the given tags satisfies the
// filter: every group must be matched by at least one tag value
// (case-insensitive substring).
func (f *Filter) Match(tags map[string]string) bool {
	if f == nil {
		return true
	}
	for _, group := range f.Groups {
		if !group.match(tags) {
			return false
		}
	}
	return true
}

func (g FilterGroup) match(tags map[string]string) bool {
	for _, want := range g.Values {
		for _, have := range tags {
			if strings.Contains(strings.ToLower(have), want) {
				return true
			}
		}
	}
	return false
}

// CollectFilterInfo gathers distinct tag names and values across tasks,
// both sorted. The Postgres store does the same with jsonb_each_text;
// this in-process version serves the memory store and callers that
// already hold the tasks.
func CollectFilterInfo(tasks []store.Task) []store.FilterInfo {
	byName := make(map[string]map[string]string)
	for _, task := range tasks {
		for name, value := range task.Tags {
			if byName[name] == nil {
				byName[name] = make(map[string]string)
			}
			byName[name][strings.ToLower(value)] = value
		}
	}

	var infos []store.FilterInfo
	for name, values := range byName {
		info := store.FilterInfo{Name: name}
		for _, value := range values {
			info.Values = append(info.Values, value)
		}
		sort.Strings(info.Values)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
