package repository

import (
	"errors"

	"github.com/mailbridge-io/mailbridge/internal/faults"
)

// ErrNotFound signals a lookup miss; callers decide whether that is fatal.
var ErrNotFound = errors.New("repository: not found")

// ErrDuplicateMessage signals that an email item with the same message id is
// already stored. The losing writer of a duplicate-delivery race treats this
// as "already processed", never as a failure.
var ErrDuplicateMessage = faults.New(faults.KindConflict, "item with this message id already stored")
