// Package transport moves bytes from a source to a destination path. The
// scheduler only sees the Transport interface; HTTP is the bundled
// implementation.
package transport

import "context"

// Request identifies one transfer attempt.
type Request struct {
	TaskID   string
	Owner    string
	Source   string
	DestPath string
	Size     int64 // estimated, 0 if unknown

	// Finished is set on Abort when Transfer of this attempt returned
	// success, so DestPath holds its output.
	Finished bool
}

// ProgressFunc is called as data arrives with the bytes written so far and
// the expected total (0 if unknown). A non-nil return aborts the transfer
// with that error.
type ProgressFunc func(done, total int64) error

// Transport performs transfers. Errors from Transfer should be wrapped with
// model.Transient or model.Fatal; unclassified errors are retried.
type Transport interface {
	Transfer(ctx context.Context, req Request, progress ProgressFunc) error
	// Abort removes whatever a stopped transfer left behind. DestPath is
	// removed only when req.Finished.
	Abort(ctx context.Context, req Request) error
}
