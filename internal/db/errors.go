package db

import "errors"

// Sentinel errors, matched with errors.Is.
var (
	ErrDuplicateAnalysis = errors.New("conversation already analyzed")

	ErrRunNotFound = errors.New("processing run not found")
	ErrRunActive   = errors.New("a processing run is already active")
)
