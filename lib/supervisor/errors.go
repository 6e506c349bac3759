package supervisor

import "errors"

// ErrNoCommand is returned when neither the request nor the image names a command
var ErrNoCommand = errors.New("no command specified")

// ErrInterrupted is returned when a terminating signal arrives before the command starts
var ErrInterrupted = errors.New("interrupted")
