package token

import (
	"math/big"
	"sort"
)

// IDKey is the map key used for a token id
func IDKey(id *big.Int) string {
	if id == nil {
		return "0"
	}
	return id.String()
}

// ParseID parses a decimal token id
func ParseID(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

// SortIDs sorts ids ascending in place
func SortIDs(ids []*big.Int) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
}

// UniqueIDs merges the given lists into one sorted list without duplicates
func UniqueIDs(lists ...[]*big.Int) []*big.Int {
	seen := make(map[string]struct{})
	var out []*big.Int
	for _, list := range lists {
		for _, id := range list {
			if id == nil {
				continue
			}
			k := IDKey(id)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, new(big.Int).Set(id))
		}
	}
	SortIDs(out)
	return out
}
