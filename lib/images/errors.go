package images

import "errors"

var (
	ErrNotFound      = errors.New("image not found")
	ErrInvalidName   = errors.New("invalid image name")
	ErrEmptyImage    = errors.New("image has no layers")
	ErrAmbiguous     = errors.New("image reference is ambiguous")
	ErrImportFailed  = errors.New("image import failed")
	ErrUnknownFormat = errors.New("unrecognized image archive")
)
