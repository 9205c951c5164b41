package storage

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by UpdateJob when the stored row has a
// different version than the one being written, meaning another registry
// instance updated the job concurrently.
var ErrVersionConflict = errors.New("job version conflict")

// NotFoundError indicates that an entity lookup missed.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// NewNotFound returns a NotFoundError for the given entity kind and key.
func NewNotFound(kind string, key interface{}) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: fmt.Sprintf("%v", key)}
}
