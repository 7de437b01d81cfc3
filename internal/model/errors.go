package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or image referenced by id or
	// name does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTooFewLabeled is matched by TrainingPreconditionError.
	ErrTooFewLabeled = errors.New("too few labeled images to train")

	// ErrInvalidLabel is returned when a submitted label is empty.
	ErrInvalidLabel = errors.New("label must not be empty")
)

// TrainingPreconditionError reports that a session does not yet have enough
// labeled images for a training pass. It is a user-facing, recoverable
// condition ("label more images first").
type TrainingPreconditionError struct {
	SessionID int64
	Have      int
	Need      int
}

func (e *TrainingPreconditionError) Error() string {
	return fmt.Sprintf("session %d: %d labeled images available, need at least %d", e.SessionID, e.Have, e.Need)
}

// Is lets errors.Is(err, ErrTooFewLabeled) match.
func (e *TrainingPreconditionError) Is(target error) bool {
	return target == ErrTooFewLabeled
}
