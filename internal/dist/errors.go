package dist

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrAddressInUse marks a launch that failed because the rendezvous port was bound.
	ErrAddressInUse = errors.New("rendezvous address already in use")
	ErrClosed       = errors.New("collective group closed")
	ErrBadRank      = errors.New("invalid rank")
	ErrDuplicate    = errors.New("duplicate contribution")
	ErrBackend      = errors.New("unknown collective backend")
	ErrMismatch     = errors.New("collective contributions disagree")
)

// IsAddressInUse reports whether err comes from binding an address that is taken.
func IsAddressInUse(err error) bool {
	return errors.Is(err, ErrAddressInUse) || errors.Is(err, syscall.EADDRINUSE)
}

func newAddressInUseError(addr string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAddressInUse, addr, err)
}
