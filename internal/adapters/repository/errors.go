package repository

import (
	"fmt"

	"github.com/okian/cardrank/internal/domain/model"
)

// Sentinel kinds for store errors.
var (
	ErrInvalidLimit = fmt.Errorf("%w: invalid leaderboard limit", model.ErrValidation)
	ErrClosed       = fmt.Errorf("%w: store closed", model.ErrStoreUnavailable)
)
