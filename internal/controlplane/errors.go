package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotRegistered     = errors.New("structure not registered")
	ErrUnknownRun        = errors.New("unknown run")
	ErrLaunch            = errors.New("launch error")
	ErrBuild             = errors.New("build error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrCapacity          = errors.New("capacity exceeded")
)
