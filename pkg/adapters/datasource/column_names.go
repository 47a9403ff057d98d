package datasource

import "fmt"

// UniqueColumnNames suffixes repeated result column names ("id", "id_2")
// so rows can be keyed by name without one join side overwriting the other.
func UniqueColumnNames(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		seen[name]++
		if n := seen[name]; n > 1 {
			candidate := fmt.Sprintf("%s_%d", name, n)
			for seen[candidate] > 0 {
				n++
				candidate = fmt.Sprintf("%s_%d", name, n)
			}
			seen[candidate] = 1
			name = candidate
		}
		out[i] = name
	}
	return out
}
