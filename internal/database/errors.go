package database

import "errors"

var (
	// ErrPositionClosed is returned when a close or fill races against a
	// writer that already closed the position. Callers treat it as a no-op.
	ErrPositionClosed = errors.New("position already closed")

	// ErrDuplicatePosition is returned when an insert would violate the
	// one-active-position-per-(symbol, side) invariant.
	ErrDuplicatePosition = errors.New("active position already exists for symbol and side")

	// ErrInsufficientBalance is returned when the available balance cannot
	// cover the requested margin.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrNotFound is returned for missing rows where the caller must
	// distinguish absence from failure.
	ErrNotFound = errors.New("row not found")
)
