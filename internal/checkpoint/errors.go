package checkpoint

import "errors"

var (
	ErrPathNotValid = errors.New("checkpoint: path not valid")
	ErrParse        = errors.New("checkpoint: malformed model file")
	ErrOutOfRange   = errors.New("checkpoint: weight out of range")
	ErrClosed       = errors.New("checkpoint: file closed")
)
