package bdm

import "errors"

var (
	ErrInvalidFile          = errors.New("bdm: invalid container")
	ErrVersion              = errors.New("bdm: incompatible format version")
	ErrInvalidParent        = errors.New("bdm: hierarchy violation")
	ErrUnsupportedOperation = errors.New("bdm: unsupported operation")
	ErrNotFound             = errors.New("bdm: not found")
	ErrDuplicateID          = errors.New("bdm: duplicate identifier")
	ErrLimitExceeded        = errors.New("bdm: limit exceeded")
	ErrValidation           = errors.New("bdm: validation failed")
)
