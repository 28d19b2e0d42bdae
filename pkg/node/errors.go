package node

import "errors"

var (
	ErrNotStarted  = errors.New("node: not started")
	ErrInvalidPath = errors.New("node: invalid path")
	ErrJoinFailed  = errors.New("node: join failed against every seed")
)
