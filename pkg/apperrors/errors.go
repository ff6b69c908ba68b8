package apperrors

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRunInProgress        = errors.New("a run is already in progress for this datastore")
	ErrEngineNotSupported   = errors.New("datastore engine is not supported")
	ErrCredentialsMismatch  = errors.New("datastore credentials were encrypted with a different key")
	ErrWorkspaceScopeNeeded = errors.New("no workspace scope in context")
)
