package ranking

import (
	"fmt"

	"github.com/okian/cardrank/internal/domain/model"
)

// ErrMalformed is returned when callers break the engine's input contract.
var ErrMalformed = fmt.Errorf("%w: malformed ranking input", model.ErrValidation)
