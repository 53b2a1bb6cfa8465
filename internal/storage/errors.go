package storage

import "errors"

// ErrNotFound is returned when a credential or plan does not exist.
var ErrNotFound = errors.New("record not found")
