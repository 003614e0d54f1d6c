package model

import "errors"

var (
	// ErrConfig marks invalid setup: conflicting modes, malformed reference free
	// energies, unknown pools, missing settings.
	ErrConfig = errors.New("configuration error")
	// ErrIndex marks an out-of-range group or state index.
	ErrIndex = errors.New("index out of range")
	// ErrSerialization marks a malformed or incompatible checkpoint document.
	ErrSerialization = errors.New("serialization error")
)
