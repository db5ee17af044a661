package settle

import (
	"errors"

	"parlor/internal/store"
)

var (
	ErrGameNotFound        = store.ErrGameNotFound
	ErrGameAlreadyFinished = store.ErrGameAlreadyFinished
	ErrGameAlreadyAborted  = store.ErrGameAlreadyAborted

	// ErrPotMismatch rejects an outcome whose result rows do not sum to
	// the pot. Raised before any ledger write.
	ErrPotMismatch = errors.New("pot_mismatch")

	ErrInsufficientChips = errors.New("insufficient_chips")
)
