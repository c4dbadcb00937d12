package node

import "errors"

var (
	// ErrUnresolvedHandler is returned by New when a config names a handler
	// that was not supplied to the node at construction time.
	ErrUnresolvedHandler = errors.New("node: subscribed handler name does not resolve")

	// ErrUnknownOption is returned by New when the config sets an option key
	// the node did not enumerate.
	ErrUnknownOption = errors.New("node: unknown option key")

	// ErrWrongState is returned when a lifecycle method is called out of
	// order (e.g. Start before Init, or Init after Start).
	ErrWrongState = errors.New("node: called out of lifecycle order")
)
