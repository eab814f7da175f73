package pool

import (
	"errors"
	"fmt"
)

var ErrInvalidSize = errors.New("pool size must be at least 1")

// Config sizes the pool. With TransferPool enabled and more than one worker,
// worker 0 serves misc work and the rest serve transfers.
type Config struct {
	Size         int
	TransferPool bool
}

func (c Config) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidSize, c.Size)
	}
	return nil
}

// GroupFor returns the group assigned to the worker at index.
func GroupFor(index int, cfg Config) Group {
	if !cfg.TransferPool || cfg.Size == 1 {
		return All
	}
	if index == 0 {
		return Misc
	}
	return Transfer
}
