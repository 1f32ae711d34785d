// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import "errors"

// Plain sentinel error values checked with errors.Is.
var (
	ErrNotFound           = errors.New("activitystore: not found")
	ErrVersionMismatch    = errors.New("activitystore: schema version mismatch, migration required")
	ErrIntegrityViolation = errors.New("activitystore: integrity violation")
	ErrBusy               = errors.New("activitystore: writer busy, retry")
	ErrClosed             = errors.New("activitystore: store is closed")
)
