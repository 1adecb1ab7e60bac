package server

import (
	"fmt"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// ListenError is a failure to bind the listening socket, with a hint naming
// the likely cause.
type ListenError struct {
	Addr string
	Hint string
	Err  error
}

func (e *ListenError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("cannot listen on %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("cannot listen on %s: %s (%v)", e.Addr, e.Hint, e.Err)
}

func (e *ListenError) Unwrap() error {
	return e.Err
}

// Listen binds addr. Failures are returned as *ListenError.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err == nil {
		return l, nil
	}
	return nil, &ListenError{Addr: addr, Hint: diagnose(err), Err: err}
}

func diagnose(err error) string {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return "the port is already in use by another process"
	case errors.Is(err, syscall.EACCES):
		return "permission denied; ports below 1024 require elevated privileges"
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return "the address is not available on this host"
	}
	return ""
}
