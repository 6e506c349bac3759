package containers

import "errors"

var (
	// ErrNotFound is returned when no container matches a reference
	ErrNotFound = errors.New("container not found")

	// ErrAlreadyExists is returned when recording a duplicate container ID
	ErrAlreadyExists = errors.New("container already exists")

	// ErrAmbiguous is returned when an ID prefix matches several containers
	ErrAmbiguous = errors.New("container reference is ambiguous")

	// ErrInvalidTransition is returned for state changes outside
	// created -> running -> exited|killed
	ErrInvalidTransition = errors.New("invalid container state transition")

	// ErrRunning is returned when removing a container that has not finished
	ErrRunning = errors.New("container is still running")

	// ErrNotRunning is returned when signalling a container that is not running
	ErrNotRunning = errors.New("container is not running")

	// ErrInvalidName is returned for names that cannot identify a container
	ErrInvalidName = errors.New("invalid container name")

	// ErrNameInUse is returned when another record already has the name
	ErrNameInUse = errors.New("container name already in use")
)
