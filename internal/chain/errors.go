package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// limitExceededCode is the JSON RPC code providers use for oversized queries
const limitExceededCode = -32005

// RangeOverflowError reports that a log query covered too many blocks or
// matched too many logs. SuggestedEnd or SuggestedSpan carry the provider's
// hint when it gave one.
type RangeOverflowError struct {
	SuggestedEnd  uint64
	HasEnd        bool
	SuggestedSpan uint64
	Err           error
}

func (e *RangeOverflowError) Error() string {
	switch {
	case e.HasEnd:
		return fmt.Sprintf("log range overflow (suggested end %d): %v", e.SuggestedEnd, e.Err)
	case e.SuggestedSpan > 0:
		return fmt.Sprintf("log range overflow (suggested span %d): %v", e.SuggestedSpan, e.Err)
	default:
		return fmt.Sprintf("log range overflow: %v", e.Err)
	}
}

func (e *RangeOverflowError) Unwrap() error {
	return e.Err
}

var (
	overflowPatterns = []string{
		"more than 10000 results",
		"query returned more than",
		"too many results",
		"response size exceeded",
		"log response size",
		"block range is too wide",
		"block range too large",
		"range too large",
		"exceed maximum block range",
		"exceeds max block range",
		"limited to a",
		"range limit exceeded",
		"query timeout exceeded",
	}

	// [0x1, 0xc350] as printed by Infura and Alchemy
	suggestedRangeRe = regexp.MustCompile(`\[\s*(0x[0-9a-fA-F]+)\s*,\s*(0x[0-9a-fA-F]+)\s*\]`)
	// "maximum block range: 5000", "up to a 2K block range", "limited to a 10,000 range"
	suggestedSpanRe = regexp.MustCompile(`(?i)(?:maximum block range|max block range|limited to a|up to a)\s*:?\s*([0-9][0-9,]*)\s*(k)?`)
)

// ClassifyLogError turns a provider error for eth_getLogs into a
// *RangeOverflowError when it signals an oversized query. Other errors are
// returned unchanged.
func ClassifyLogError(err error) error {
	if err == nil {
		return nil
	}

	var overflow *RangeOverflowError
	if errors.As(err, &overflow) {
		return err
	}

	if !isOverflow(err) {
		return err
	}

	result := &RangeOverflowError{Err: err}
	msg := err.Error()

	if m := suggestedRangeRe.FindStringSubmatch(msg); m != nil {
		if end, perr := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(m[2]), "0x"), 16, 64); perr == nil {
			result.SuggestedEnd = end
			result.HasEnd = true
		}
	}
	if m := suggestedSpanRe.FindStringSubmatch(msg); m != nil {
		if span, perr := strconv.ParseUint(strings.ReplaceAll(m[1], ",", ""), 10, 64); perr == nil {
			if m[2] != "" {
				span *= 1000
			}
			result.SuggestedSpan = span
		}
	}

	return result
}

func isOverflow(err error) bool {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == limitExceededCode {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range overflowPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsRevert reports whether a call failed because the contract reverted,
// as opposed to a transport or provider failure
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
