package tools

import "errors"

// Filesystem shape and dispatch errors. Containment and timeout errors live
// in the sandbox package.
var (
	ErrNotFound         = errors.New("file not found")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrWrongExtension   = errors.New("wrong file extension")
	ErrDecode           = errors.New("file is not valid UTF-8 text")
	ErrUnknownTool      = errors.New("unknown function")
	ErrInvalidArguments = errors.New("invalid arguments")
)
