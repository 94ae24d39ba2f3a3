// Package suggest finds close matches for mistyped product ids using
// Levenshtein distance.
package suggest

import (
	"slices"
	"strings"
)

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Products returns up to three known ids close to unknown, best first.
// Product ids are compared case-insensitively.
func Products(unknown string, known []string) []string {
	unknown = strings.ToLower(unknown)

	type scored struct {
		id    string
		score int
	}
	var candidates []scored
	for _, id := range known {
		dist := levenshtein(unknown, strings.ToLower(id))
		if dist == 0 {
			continue
		}
		// within 3 edits or half the length
		if dist <= max(3, len(unknown)/2) {
			candidates = append(candidates, scored{id, dist})
		}
	}
	slices.SortStableFunc(candidates, func(a, b scored) int { return a.score - b.score })

	var result []string
	for i := 0; i < len(candidates) && i < 3; i++ {
		result = append(result, candidates[i].id)
	}
	return result
}

// Unknown returns the ids missing from known, each with its suggestions
func Unknown(ids, known []string) map[string][]string {
	out := make(map[string][]string)
	for _, id := range ids {
		if !slices.Contains(known, id) {
			out[id] = Products(id, known)
		}
	}
	return out
}
