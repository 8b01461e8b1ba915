package registry

import "errors"

var (
	ErrNotAccepted       = errors.New("artifact was not accepted")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrVersionNotFound   = errors.New("version not found")
	ErrNotFound          = errors.New("command not found")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
)
