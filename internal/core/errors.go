// Package core defines the fundamental types and errors for Praxis.
package core

import "errors"

// Core errors that can occur across the pipeline
var (
	// Configuration errors - fatal at startup
	ErrNotConfigured = errors.New("missing required configuration")

	// Storage errors
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")

	// Upstream service errors - recoverable, scoped to one user
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrEmbeddingFailed     = errors.New("failed to generate embedding")
	ErrRetrievalFailed     = errors.New("candidate retrieval failed")
	ErrGenerationFailed    = errors.New("text generation failed")
	ErrSafetyScanFailed    = errors.New("safety scan failed")

	// Data integrity errors - recoverable, scoped to one row
	ErrDataIntegrity = errors.New("malformed or missing required field")

	// State conflicts - detected via conditional write, treated as no-op
	ErrStateConflict = errors.New("concurrent state transition lost")

	// Validation errors
	ErrInvalidInput = errors.New("invalid input")
)
