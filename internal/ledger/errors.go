package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/devblac/chainforge/internal/fault"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// dataError matches JSON-RPC errors that carry revert data.
type dataError interface {
	ErrorData() interface{}
}

var staleMarkers = []string{"inactive", "not active", "already", "sold", "not listed", "expired"}

func classify(op string, err error, staleOnRevert bool) error {
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.NetworkUnavailable, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Wrap(fault.NetworkUnavailable, op, err)
	}

	msg := strings.ToLower(err.Error())
	reason, reverted := revertReason(err)
	lowerReason := strings.ToLower(reason)

	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds balance"),
		strings.Contains(lowerReason, "exceeds balance"),
		strings.Contains(lowerReason, "insufficient"):
		return fault.Wrap(fault.InsufficientFunds, op, err)
	case staleOnRevert && reverted && containsAny(lowerReason+" "+msg, staleMarkers):
		return &fault.Error{Kind: fault.StaleState, Op: op, Message: reason, Err: err}
	case reverted && reason != "":
		return &fault.Error{Kind: fault.UpstreamFailure, Op: op, Message: "reverted: " + reason, Err: err}
	default:
		return fault.Wrap(fault.UpstreamFailure, op, err)
	}
}

// revertReason extracts a decoded Error(string) reason when the node returned
// revert data, or falls back to the message text after "execution reverted".
func revertReason(err error) (string, bool) {
	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), "execution reverted")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(msg[idx+len("execution reverted"):])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	return rest, true
}

// isRevert reports whether err is a contract-level rejection rather than a
// transport failure.
func isRevert(err error) bool {
	_, reverted := revertReason(err)
	return reverted
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
