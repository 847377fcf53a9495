package node

import "errors"

var (
	ErrNodeIDRequired  = errors.New("node ID is required")
	ErrGroupRequired   = errors.New("group name is required")
	ErrAddressRequired = errors.New("address is required")
	ErrPortRequired    = errors.New("port is required")
	ErrAlreadyStarted  = errors.New("node already started")
	ErrNotStarted      = errors.New("node not started")
)
