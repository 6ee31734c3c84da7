package token

import (
	"fmt"
	"math/big"
)

// Inventory is the ordered slot list of an index-array contract (ERC875,
// ERC721 tickets). A slot's position is the contract-side index; a zero id
// marks a spent slot that keeps its position.
type Inventory struct {
	slots []*big.Int
}

// NewInventory copies ids into a new inventory
func NewInventory(ids []*big.Int) *Inventory {
	slots := make([]*big.Int, len(ids))
	for i, id := range ids {
		if id == nil {
			slots[i] = new(big.Int)
			continue
		}
		slots[i] = new(big.Int).Set(id)
	}
	return &Inventory{slots: slots}
}

// Slots returns a copy of the slot list
func (inv *Inventory) Slots() []*big.Int {
	out := make([]*big.Int, len(inv.slots))
	for i, id := range inv.slots {
		out[i] = new(big.Int).Set(id)
	}
	return out
}

// Len returns the number of slots, spent ones included
func (inv *Inventory) Len() int {
	return len(inv.slots)
}

// Unspent returns the number of slots holding a token
func (inv *Inventory) Unspent() int {
	n := 0
	for _, id := range inv.slots {
		if id.Sign() != 0 {
			n++
		}
	}
	return n
}

// IndicesFor maps token ids to slot positions. Each slot is consumed at most
// once, so repeated ids map to distinct slots. Zero ids are ignored. If any
// id cannot be placed the result is empty.
func (inv *Inventory) IndicesFor(ids []*big.Int) []int {
	taken := make([]bool, len(inv.slots))
	indices := make([]int, 0, len(ids))

	for _, id := range ids {
		if id == nil || id.Sign() == 0 {
			continue
		}
		found := -1
		for i, slot := range inv.slots {
			if !taken[i] && slot.Cmp(id) == 0 {
				found = i
				break
			}
		}
		if found < 0 {
			return nil
		}
		taken[found] = true
		indices = append(indices, found)
	}

	return indices
}

// Spend zeroes the given slots
func (inv *Inventory) Spend(indices []int) error {
	for _, i := range indices {
		if i < 0 || i >= len(inv.slots) {
			return fmt.Errorf("slot %d out of range (inventory has %d slots)", i, len(inv.slots))
		}
	}
	for _, i := range indices {
		inv.slots[i] = new(big.Int)
	}
	return nil
}
