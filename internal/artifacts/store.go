// Package artifacts stores debugging artifacts produced when a challenge
// solve fails: the rendered page HTML, the cookie snapshot, and probe
// responses. Backends cover local disk, memory (tests), and GCS.
package artifacts

import (
	"context"
	"io"
)

// Store persists one named artifact blob and returns its URI.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
