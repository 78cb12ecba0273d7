package store

import (
	"errors"
	"strconv"
)

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a unique key (strategy name or
	// strategy cycle) is already taken.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails or a state
	// transition is not allowed.
	ErrInvalidInput = errors.New("invalid input")
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
