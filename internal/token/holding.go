package token

import (
	"math/big"
	"time"
)

// NoSlot marks an asset that is not part of an index-array inventory. It is
// also the stored slot of such assets.
const NoSlot = -1

// Asset is one held token id and its balance
type Asset struct {
	TokenID *big.Int
	Balance *big.Int
	Slot    int
	// MetadataRef is filled by an external metadata service
	MetadataRef string
}

// Holding is the in-memory view of what a wallet holds on one contract.
// The summary balance is always derived from Assets (or Slots), never stored.
type Holding struct {
	Key       Key
	Standard  Standard
	Assets    map[string]*Asset
	Slots     []*big.Int
	UpdatedAt time.Time
}

// NewHolding creates an empty holding
func NewHolding(key Key, standard Standard) *Holding {
	return &Holding{
		Key:      key,
		Standard: standard,
		Assets:   make(map[string]*Asset),
	}
}

// Set records a positive balance for id, replacing any existing entry
func (h *Holding) Set(id, balance *big.Int) {
	h.Assets[IDKey(id)] = &Asset{
		TokenID: new(big.Int).Set(id),
		Balance: new(big.Int).Set(balance),
		Slot:    NoSlot,
	}
}

// Remove deletes the entry for id
func (h *Holding) Remove(id *big.Int) {
	delete(h.Assets, IDKey(id))
}

// BalanceOf returns the balance held for id, zero when absent
func (h *Holding) BalanceOf(id *big.Int) *big.Int {
	if a, ok := h.Assets[IDKey(id)]; ok && a.Balance != nil {
		return new(big.Int).Set(a.Balance)
	}
	return new(big.Int)
}

// HeldIDs returns the ids with a non-zero balance, sorted ascending
func (h *Holding) HeldIDs() []*big.Int {
	ids := make([]*big.Int, 0, len(h.Assets))
	for _, a := range h.Assets {
		if a.Balance != nil && a.Balance.Sign() > 0 {
			ids = append(ids, new(big.Int).Set(a.TokenID))
		}
	}
	SortIDs(ids)
	return ids
}

// Balance is the summary balance: a count of held ids for ownership
// standards, the sum of balances for quantity standards, and the number of
// unspent slots for index-array standards.
func (h *Holding) Balance() *big.Int {
	profile := ProfileFor(h.Standard)
	total := new(big.Int)

	if profile.IndexArray() {
		for _, id := range h.Slots {
			if id != nil && id.Sign() != 0 {
				total.Add(total, big.NewInt(1))
			}
		}
		return total
	}

	for _, a := range h.Assets {
		if a.Balance == nil || a.Balance.Sign() <= 0 {
			continue
		}
		if profile.Quantities {
			total.Add(total, a.Balance)
		} else {
			total.Add(total, big.NewInt(1))
		}
	}
	return total
}

// Clone returns a deep copy safe to hand to another goroutine
func (h *Holding) Clone() *Holding {
	c := &Holding{
		Key:       h.Key,
		Standard:  h.Standard,
		Assets:    make(map[string]*Asset, len(h.Assets)),
		UpdatedAt: h.UpdatedAt,
	}
	for k, a := range h.Assets {
		c.Assets[k] = &Asset{
			TokenID:     new(big.Int).Set(a.TokenID),
			Balance:     new(big.Int).Set(a.Balance),
			Slot:        a.Slot,
			MetadataRef: a.MetadataRef,
		}
	}
	if h.Slots != nil {
		c.Slots = make([]*big.Int, len(h.Slots))
		for i, id := range h.Slots {
			c.Slots[i] = new(big.Int).Set(id)
		}
	}
	return c
}
