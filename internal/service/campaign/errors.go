package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound     = errors.New("campaign not found")
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid status transition")
)
