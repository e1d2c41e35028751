package isolate

import (
	"github.com/pkg/errors"
)

var (
	ErrIsolateInternal = errors.New("isolate reported an internal error")
	ErrNoBoxes         = errors.New("box count must be positive")
)
