package gla

import "errors"

var (
	ErrConfiguration            = errors.New("gla: invalid configuration")
	ErrShapeMismatch            = errors.New("gla: shape mismatch")
	ErrInvalidLength            = errors.New("gla: invalid sequence lengths")
	ErrUnsupportedConfiguration = errors.New("gla: unsupported configuration")
)
