package domain

import "errors"

var (
	ErrNotFound             = errors.New("receipt not found")
	ErrConflict             = errors.New("receipt already exists")
	ErrTransitionRefused    = errors.New("receipt transition refused")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrMalformedCallback    = errors.New("malformed callback")
	ErrSubmissionInProgress = errors.New("submission already in progress")
)
