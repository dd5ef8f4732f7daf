package store

import "errors"

// Sentinel errors returned by Store methods. Handlers map these to HTTP
// status codes; callers elsewhere use errors.Is to branch on them.
var (
	ErrNotFound            = errors.New("resource not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyExists       = errors.New("resource already exists")
	ErrConflict            = errors.New("conflicting claim")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrServiceUnavailable  = errors.New("service unavailable")
)
