package realtime

import "errors"

var (
	// ErrClosed is returned by Send-family methods once Stop has been
	// called.
	ErrClosed = errors.New("realtime: session closed")

	// ErrSendTimeout is returned by AppendAudio when an audio frame could
	// not be written (the write failed or its soft send timeout elapsed);
	// the frame is dropped.
	ErrSendTimeout = errors.New("realtime: send timed out")
)
