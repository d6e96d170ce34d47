package app

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmptyDocument       = errors.New("empty document")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrRegistryUnavailable = errors.New("document registry not configured")
	ErrUnknownMode         = errors.New("unknown conversation mode")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrGenerationCancelled = errors.New("generation cancelled")
)
