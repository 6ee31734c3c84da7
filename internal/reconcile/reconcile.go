package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/metrics"
	"github.com/wnt/tokensync/internal/rpc"
	"github.com/wnt/tokensync/internal/token"
)

var maxEnumerable = big.NewInt(chain.MaxEnumerable)

// Kind tells the ledger how to treat a verification result
type Kind int

const (
	// Unavailable means nothing is known; the ledger must not change
	Unavailable Kind = iota
	// Empty means the chain answered with an explicit empty set
	Empty
	// Balances carries per-id balances
	Balances
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Balances:
		return "balances"
	default:
		return "unavailable"
	}
}

// Result is the on-chain state of the queried ids. Balances is keyed by
// token.IDKey and includes zero balances for ids verified as not held.
type Result struct {
	Kind     Kind
	Balances map[string]*big.Int
	// Replace is set when Balances is the complete holding
	Replace bool
	// Degraded is set when batching was abandoned during this verification
	Degraded bool
}

// Caller is the part of a chain client the reconciler needs
type Caller interface {
	ChainID() int64
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	BatchCallContract(ctx context.Context, msgs []ethereum.CallMsg) ([]chain.CallResult, error)
}

// Reconciler verifies holdings against contract state
type Reconciler struct {
	policy *chain.BatchPolicy
	logger zerolog.Logger
}

// New creates a reconciler that batches calls according to policy
func New(policy *chain.BatchPolicy, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		policy: policy,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Verify queries the chain for ids according to the profile's verification
// kind. A non-nil error is a transport failure and comes with an
// Unavailable result.
func (r *Reconciler) Verify(ctx context.Context, c Caller, profile token.Profile, contract, wallet common.Address, ids []*big.Int) (Result, error) {
	var (
		res Result
		err error
	)

	switch profile.Verification {
	case token.VerifyOwnership:
		res, err = r.ownership(ctx, c, contract, wallet, ids)
	case token.VerifyEnumerable:
		res, err = r.enumerable(ctx, c, contract, wallet)
	case token.VerifyMultiBalance:
		res, err = r.multiBalance(ctx, c, contract, wallet, ids)
	default:
		return Result{Kind: Unavailable}, nil
	}

	if err != nil {
		return Result{Kind: Unavailable}, err
	}
	if !res.Degraded && r.policy.Settle(c.ChainID()) {
		r.logger.Info().Int64("chain_id", c.ChainID()).Msg("Serial calls ran clean, batching re-enabled")
	}
	return res, nil
}

func (r *Reconciler) ownership(ctx context.Context, c Caller, contract, wallet common.Address, ids []*big.Int) (Result, error) {
	res := Result{Kind: Balances, Balances: make(map[string]*big.Int, len(ids))}

	calldata := make([][]byte, len(ids))
	for i, id := range ids {
		data, err := chain.ERC721ABI.Pack("ownerOf", id)
		if err != nil {
			return res, fmt.Errorf("failed to pack ownerOf: %w", err)
		}
		calldata[i] = data
	}

	results, degraded, err := r.callAll(ctx, c, contract, calldata)
	if err != nil {
		return res, err
	}
	res.Degraded = degraded

	for i, out := range results {
		key := token.IDKey(ids[i])
		if out.Err != nil {
			// ownerOf reverts for burned and never minted ids
			res.Balances[key] = new(big.Int)
			continue
		}
		values, err := chain.ERC721ABI.Unpack("ownerOf", out.Data)
		if err != nil || len(values) != 1 {
			r.malformed("ownerOf", ids[i], err)
			continue
		}
		owner, ok := values[0].(common.Address)
		if !ok {
			r.malformed("ownerOf", ids[i], nil)
			continue
		}
		if owner == wallet {
			res.Balances[key] = big.NewInt(1)
		} else {
			res.Balances[key] = new(big.Int)
		}
	}

	return res, nil
}

func (r *Reconciler) enumerable(ctx context.Context, c Caller, contract, wallet common.Address) (Result, error) {
	data, err := chain.ERC721ABI.Pack("balanceOf", wallet)
	if err != nil {
		return Result{}, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		if chain.IsRevert(err) {
			r.logger.Warn().Err(err).Str("contract", contract.Hex()).Msg("balanceOf reverted on enumerable contract")
			return Result{Kind: Unavailable}, nil
		}
		return Result{}, err
	}

	count, err := unpackUint("balanceOf", chain.ERC721ABI.Unpack, out)
	if err != nil {
		r.malformed("balanceOf", nil, err)
		return Result{Kind: Unavailable}, nil
	}
	if count.Sign() == 0 {
		return Result{Kind: Empty, Replace: true}, nil
	}
	if count.Cmp(maxEnumerable) > 0 {
		metrics.RecordMalformedEntry("call")
		r.logger.Warn().
			Int64("chain_id", c.ChainID()).
			Str("contract", contract.Hex()).
			Str("balance", count.String()).
			Int("limit", chain.MaxEnumerable).
			Msg("Enumerable balance above limit, not enumerating")
		return Result{Kind: Unavailable}, nil
	}

	n := int(count.Int64())
	calldata := make([][]byte, n)
	for i := 0; i < n; i++ {
		data, err := chain.ERC721ABI.Pack("tokenOfOwnerByIndex", wallet, big.NewInt(int64(i)))
		if err != nil {
			return Result{}, fmt.Errorf("failed to pack tokenOfOwnerByIndex: %w", err)
		}
		calldata[i] = data
	}

	results, degraded, err := r.callAll(ctx, c, contract, calldata)
	if err != nil {
		return Result{}, err
	}

	res := Result{Kind: Balances, Balances: make(map[string]*big.Int, n), Replace: true, Degraded: degraded}
	for i, out := range results {
		if out.Err != nil {
			// the holding changed while it was being enumerated
			r.logger.Debug().Err(out.Err).Int("index", i).Msg("tokenOfOwnerByIndex reverted, enumeration incomplete")
			return Result{Kind: Unavailable, Degraded: degraded}, nil
		}
		id, err := unpackUint("tokenOfOwnerByIndex", chain.ERC721ABI.Unpack, out.Data)
		if err != nil {
			// a partial set would delete held ids on replace
			r.malformed("tokenOfOwnerByIndex", big.NewInt(int64(i)), err)
			return Result{Kind: Unavailable, Degraded: degraded}, nil
		}
		res.Balances[token.IDKey(id)] = big.NewInt(1)
	}

	return res, nil
}

func (r *Reconciler) multiBalance(ctx context.Context, c Caller, contract, wallet common.Address, ids []*big.Int) (Result, error) {
	res := Result{Kind: Balances, Balances: make(map[string]*big.Int, len(ids))}
	if len(ids) == 0 {
		return res, nil
	}

	emptyAnswers := true
	for start := 0; start < len(ids); {
		limit := r.policy.Limit(c.ChainID())
		end := start + limit
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		start = end

		if limit == 1 {
			emptyAnswers = false
			if err := r.serialBalances(ctx, c, contract, wallet, chunk, res.Balances); err != nil {
				return res, err
			}
			continue
		}

		balances, err := r.balanceOfBatch(ctx, c, contract, wallet, chunk)
		if err != nil {
			return res, err
		}

		switch {
		case balances == nil || (len(balances) != 0 && len(balances) != len(chunk)):
			r.logger.Warn().
				Int64("chain_id", c.ChainID()).
				Int("requested", len(chunk)).
				Int("received", len(balances)).
				Msg("balanceOfBatch answer does not match request, falling back to serial calls")
			if r.policy.Degrade(c.ChainID()) {
				res.Degraded = true
			}
			emptyAnswers = false
			if err := r.serialBalances(ctx, c, contract, wallet, chunk, res.Balances); err != nil {
				return res, err
			}

		case len(balances) == 0:
			for _, id := range chunk {
				res.Balances[token.IDKey(id)] = new(big.Int)
			}

		default:
			emptyAnswers = false
			for i, id := range chunk {
				res.Balances[token.IDKey(id)] = balances[i]
			}
		}
	}

	if emptyAnswers {
		return Result{Kind: Empty, Degraded: res.Degraded}, nil
	}
	return res, nil
}

// balanceOfBatch returns nil for a revert or an undecodable answer
func (r *Reconciler) balanceOfBatch(ctx context.Context, c Caller, contract, wallet common.Address, ids []*big.Int) ([]*big.Int, error) {
	accounts := make([]common.Address, len(ids))
	for i := range accounts {
		accounts[i] = wallet
	}
	data, err := chain.ERC1155ABI.Pack("balanceOfBatch", accounts, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOfBatch: %w", err)
	}

	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		if chain.IsRevert(err) {
			return nil, nil
		}
		return nil, err
	}

	values, err := chain.ERC1155ABI.Unpack("balanceOfBatch", out)
	if err != nil || len(values) != 1 {
		r.malformed("balanceOfBatch", nil, err)
		return nil, nil
	}
	balances, ok := values[0].([]*big.Int)
	if !ok {
		r.malformed("balanceOfBatch", nil, nil)
		return nil, nil
	}
	if balances == nil {
		balances = []*big.Int{}
	}
	return balances, nil
}

func (r *Reconciler) serialBalances(ctx context.Context, c Caller, contract, wallet common.Address, ids []*big.Int, into map[string]*big.Int) error {
	calldata := make([][]byte, len(ids))
	for i, id := range ids {
		data, err := chain.ERC1155ABI.Pack("balanceOf", wallet, id)
		if err != nil {
			return fmt.Errorf("failed to pack balanceOf: %w", err)
		}
		calldata[i] = data
	}

	results, _, err := r.callAll(ctx, c, contract, calldata)
	if err != nil {
		return err
	}

	for i, out := range results {
		key := token.IDKey(ids[i])
		if out.Err != nil {
			into[key] = new(big.Int)
			continue
		}
		balance, err := unpackUint("balanceOf", chain.ERC1155ABI.Unpack, out.Data)
		if err != nil {
			r.malformed("balanceOf", ids[i], err)
			continue
		}
		into[key] = balance
	}
	return nil
}

// callAll runs one eth_call per calldata entry, batched by the chain's
// limit. Result errors are always reverts. A batch that comes back short or
// with non-revert element errors degrades the chain and the affected calls
// are repeated one by one. Any other failure aborts with an error.
func (r *Reconciler) callAll(ctx context.Context, c Caller, contract common.Address, calldata [][]byte) ([]chain.CallResult, bool, error) {
	results := make([]chain.CallResult, len(calldata))
	degraded := false

	for start := 0; start < len(calldata); {
		limit := r.policy.Limit(c.ChainID())
		end := start + limit
		if end > len(calldata) {
			end = len(calldata)
		}

		if limit == 1 {
			for i := start; i < end; i++ {
				if err := r.serialCall(ctx, c, contract, calldata[i], &results[i]); err != nil {
					return nil, degraded, err
				}
			}
			start = end
			continue
		}

		msgs := make([]ethereum.CallMsg, end-start)
		for i := range msgs {
			msgs[i] = ethereum.CallMsg{To: &contract, Data: calldata[start+i]}
		}

		batch, err := c.BatchCallContract(ctx, msgs)
		if err != nil {
			if !errors.Is(err, rpc.ErrBatchCountMismatch) {
				return nil, degraded, err
			}
			r.logger.Warn().Err(err).Int64("chain_id", c.ChainID()).Int("size", len(msgs)).Msg("Batch answer mismatch, degrading to serial calls")
			if r.policy.Degrade(c.ChainID()) {
				degraded = true
			}
			// the chunk is retried serially now that the limit is 1
			continue
		}

		var retry []int
		for i, out := range batch {
			if out.Err != nil && !chain.IsRevert(out.Err) {
				retry = append(retry, start+i)
				continue
			}
			results[start+i] = out
		}
		if len(retry) > 0 {
			r.logger.Warn().Int64("chain_id", c.ChainID()).Int("failed", len(retry)).Msg("Batch elements failed, degrading to serial calls")
			if r.policy.Degrade(c.ChainID()) {
				degraded = true
			}
			for _, i := range retry {
				if err := r.serialCall(ctx, c, contract, calldata[i], &results[i]); err != nil {
					return nil, degraded, err
				}
			}
		}
		start = end
	}

	return results, degraded, nil
}

func (r *Reconciler) serialCall(ctx context.Context, c Caller, contract common.Address, data []byte, into *chain.CallResult) error {
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		if chain.IsRevert(err) {
			into.Err = err
			return nil
		}
		return err
	}
	into.Data = out
	return nil
}

func (r *Reconciler) malformed(method string, id *big.Int, err error) {
	metrics.RecordMalformedEntry("call")
	ev := r.logger.Debug().Err(err).Str("method", method)
	if id != nil {
		ev = ev.Str("token_id", id.String())
	}
	ev.Msg("Skipping undecodable call result")
}

type unpacker func(name string, data []byte) ([]interface{}, error)

func unpackUint(method string, unpack unpacker, data []byte) (*big.Int, error) {
	values, err := unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}
