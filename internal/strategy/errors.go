package strategy

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrConnectionClosed marks an operation that failed because its
	// connection was closed on purpose by Disconnect or Abort.
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
	ErrUnsupported      = errors.New("operation not supported by protocol")
)

var (
	ErrInvalidProtocol  = errors.New("protocol is not provided")
	ErrInvalidFactory   = errors.New("strategy factory is not provided")
	ErrProtocolExists   = errors.New("protocol is already registered")
	ErrProtocolNotFound = errors.New("strategy for protocol not found")
)

var benignMessages = []string{
	"client is closed",
	"operation interrupted by client shutdown",
	"user closed client during task",
}

// IsConnectionClosed reports whether err was caused by a deliberate close of
// the connection rather than by the server or the network.
func IsConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range benignMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Closed wraps err so that IsConnectionClosed recognizes it.
func Closed(err error) error {
	if err == nil || errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
