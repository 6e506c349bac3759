package layers

import "errors"

var (
	// ErrSourceNotFound is returned when the directory to store does not exist.
	ErrSourceNotFound = errors.New("layer source not found")

	// ErrLayerNotFound is returned when a layer identifier is not in the store.
	ErrLayerNotFound = errors.New("layer not found")

	// ErrIO wraps copy and publish failures.
	ErrIO = errors.New("layer i/o error")

	// ErrUnsupportedAlgorithm is returned for digest algorithms the store cannot compute.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)
