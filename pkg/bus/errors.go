package bus

import "errors"

var (
	// ErrPermissionDenied is returned by Publish when a node publishes a
	// topic it did not declare in its registration.
	ErrPermissionDenied = errors.New("bus: publish to undeclared topic")

	// ErrAlreadyRegistered is returned by Register when the node name is
	// already in use.
	ErrAlreadyRegistered = errors.New("bus: node already registered")

	// ErrNotRegistered is returned by operations referencing a node name
	// that was never registered.
	ErrNotRegistered = errors.New("bus: node not registered")
)
