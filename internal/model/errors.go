package model

import (
	"errors"
)

var (
	ErrDuplicate = errors.New("duplicate module")
	ErrNoMatch   = errors.New("no match")
)
