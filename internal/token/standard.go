package token

import (
	"fmt"
	"strings"
)

// Standard is the token interface a contract implements
type Standard int

const (
	StandardUnknown Standard = iota
	ERC721
	ERC721Legacy
	ERC721Enumerable
	ERC1155
	ERC875
	ERC875Legacy
	ERC721Ticket
)

var standardNames = map[Standard]string{
	StandardUnknown:  "unknown",
	ERC721:           "erc721",
	ERC721Legacy:     "erc721_legacy",
	ERC721Enumerable: "erc721_enumerable",
	ERC1155:          "erc1155",
	ERC875:           "erc875",
	ERC875Legacy:     "erc875_legacy",
	ERC721Ticket:     "erc721_ticket",
}

func (s Standard) String() string {
	if name, ok := standardNames[s]; ok {
		return name
	}
	return fmt.Sprintf("standard(%d)", int(s))
}

// ParseStandard resolves a standard from its name, case-insensitively
func ParseStandard(name string) (Standard, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range standardNames {
		if n == name && s != StandardUnknown {
			return s, nil
		}
	}
	return StandardUnknown, fmt.Errorf("unknown token standard %q", name)
}

// Verification selects how a holding is checked against the chain
type Verification int

const (
	// VerifyNone means the local inventory is the only source of truth
	VerifyNone Verification = iota
	// VerifyOwnership calls ownerOf for each touched id
	VerifyOwnership
	// VerifyEnumerable rebuilds the full set via balanceOf + tokenOfOwnerByIndex
	VerifyEnumerable
	// VerifyMultiBalance calls balanceOfBatch for the touched ids
	VerifyMultiBalance
)

func (v Verification) String() string {
	switch v {
	case VerifyOwnership:
		return "ownership"
	case VerifyEnumerable:
		return "enumerable"
	case VerifyMultiBalance:
		return "multi_balance"
	default:
		return "none"
	}
}

// Profile describes how a standard's holdings are synced and verified.
// It carries no state and is safe to copy.
type Profile struct {
	Standard     Standard
	Verification Verification
	// EventSync is set when transfer logs drive the touched id set
	EventSync bool
	// Tombstones keeps zero-balance slots instead of deleting them
	Tombstones bool
	// Quantities is set when balances are amounts rather than presence flags
	Quantities bool
}

// ProfileFor returns the sync profile for a standard
func ProfileFor(s Standard) Profile {
	switch s {
	case ERC721, ERC721Legacy:
		return Profile{Standard: s, Verification: VerifyOwnership, EventSync: true}
	case ERC721Enumerable:
		return Profile{Standard: s, Verification: VerifyEnumerable}
	case ERC1155:
		return Profile{Standard: s, Verification: VerifyMultiBalance, EventSync: true, Quantities: true}
	case ERC875, ERC875Legacy, ERC721Ticket:
		return Profile{Standard: s, Verification: VerifyNone, Tombstones: true}
	default:
		return Profile{Standard: s, Verification: VerifyNone}
	}
}

// IndexArray reports whether holdings are an ordered slot inventory
func (p Profile) IndexArray() bool {
	return p.Tombstones
}
