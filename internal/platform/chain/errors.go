package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// classify wraps an RPC error with the domain sentinel that tells callers
// whether a retry can help.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrContractRevert) {
		return fmt.Errorf("chain: %s: %w", op, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return fmt.Errorf("chain: %s: %w: %w", op, domain.ErrContractRevert, err)
	}
	if isTransient(err, msg) {
		return fmt.Errorf("chain: %s: %w: %w", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("chain: %s: %w", op, err)
}

func isTransient(err error, msg string) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	for _, s := range []string{"nonce too low", "replacement transaction underpriced", "timeout", "connection reset", "too many requests"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
