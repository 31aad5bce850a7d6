// Package export renders a canvas session into a shareable PDF report.
package export

import "errors"

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrEmptyCanvas indicates the session has no analyzed nodes to report on.
	ErrEmptyCanvas = errors.New("export: canvas has no analyzed nodes")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
