package job

import "errors"

// Sentinel errors for the job service layer.
var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("invalid job state")
)
