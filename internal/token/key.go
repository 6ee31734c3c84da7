package token

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one tracked (chain, contract, wallet) holding
type Key struct {
	ChainID  int64
	Contract common.Address
	Wallet   common.Address
}

// String renders the key as "chain:contract:wallet" with lowercase addresses
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.ChainID, LowerHex(k.Contract), LowerHex(k.Wallet))
}

// Target is a key together with the standard its contract implements
type Target struct {
	Key
	Standard Standard
}

// String renders the target as "chain:contract:wallet:standard"
func (t Target) String() string {
	return t.Key.String() + ":" + t.Standard.String()
}

// Profile returns the sync profile of the target's standard
func (t Target) Profile() Profile {
	return ProfileFor(t.Standard)
}

// ParseTarget parses the String form of a Target
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Target{}, fmt.Errorf("invalid target %q: expected chain:contract:wallet:standard", s)
	}

	chainID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Target{}, fmt.Errorf("invalid chain id in %q: %w", s, err)
	}
	if !common.IsHexAddress(parts[1]) {
		return Target{}, fmt.Errorf("invalid contract address in %q", s)
	}
	if !common.IsHexAddress(parts[2]) {
		return Target{}, fmt.Errorf("invalid wallet address in %q", s)
	}
	standard, err := ParseStandard(parts[3])
	if err != nil {
		return Target{}, err
	}

	return Target{
		Key: Key{
			ChainID:  chainID,
			Contract: common.HexToAddress(parts[1]),
			Wallet:   common.HexToAddress(parts[2]),
		},
		Standard: standard,
	}, nil
}

// LowerHex renders an address as lowercase hex, the form used in storage keys
func LowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
