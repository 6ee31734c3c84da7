package ledger

import (
	"math/big"
	"sort"

	"github.com/wnt/tokensync/internal/reconcile"
	"github.com/wnt/tokensync/internal/token"
)

// Change is one id whose stored balance must be written
type Change struct {
	TokenID *big.Int
	Balance *big.Int
}

// Diff is the set of ledger writes a verification result implies
type Diff struct {
	Added   []Change
	Updated []Change
	Removed []*big.Int
}

// Empty reports whether the diff writes nothing
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Plan computes the diff between the held state and a verification result.
// It performs no I/O. queried lists the ids the result answers for.
func Plan(profile token.Profile, held *token.Holding, res reconcile.Result, queried []*big.Int) Diff {
	var diff Diff

	switch res.Kind {
	case reconcile.Unavailable:
		return diff

	case reconcile.Empty:
		if res.Replace {
			diff.Removed = held.HeldIDs()
		} else {
			for _, id := range queried {
				if held.BalanceOf(id).Sign() > 0 {
					diff.Removed = append(diff.Removed, new(big.Int).Set(id))
				}
			}
		}

	case reconcile.Balances:
		for key, balance := range res.Balances {
			id, ok := token.ParseID(key)
			if !ok || balance == nil {
				continue
			}
			current := held.BalanceOf(id)
			switch {
			case balance.Sign() > 0 && current.Sign() == 0:
				diff.Added = append(diff.Added, Change{TokenID: id, Balance: new(big.Int).Set(balance)})
			case balance.Sign() > 0 && current.Cmp(balance) != 0:
				diff.Updated = append(diff.Updated, Change{TokenID: id, Balance: new(big.Int).Set(balance)})
			case balance.Sign() <= 0 && current.Sign() > 0:
				diff.Removed = append(diff.Removed, id)
			}
		}
		if res.Replace {
			for _, id := range held.HeldIDs() {
				if _, ok := res.Balances[token.IDKey(id)]; !ok {
					diff.Removed = append(diff.Removed, id)
				}
			}
		}
	}

	sortChanges(diff.Added)
	sortChanges(diff.Updated)
	token.SortIDs(diff.Removed)
	return diff
}

// Apply returns a copy of held with the diff applied
func Apply(held *token.Holding, diff Diff) *token.Holding {
	next := held.Clone()
	for _, id := range diff.Removed {
		next.Remove(id)
	}
	for _, c := range diff.Added {
		next.Set(c.TokenID, c.Balance)
	}
	for _, c := range diff.Updated {
		next.Set(c.TokenID, c.Balance)
	}
	return next
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].TokenID.Cmp(changes[j].TokenID) < 0 })
}
