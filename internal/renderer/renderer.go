// Package renderer converts a validated URL into a PDF file. It is
// built on chromedp for headless Chrome control, adapted from interactive
// page crawling to headless, single-page PDF capture.
package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
)

// Request describes a single render.
type Request struct {
	URL                string
	Mode               jobmodel.RenderMode
	NavigationTimeoutS int
	OutputPath         string // final destination; implementations must write atomically
}

// TransientError marks a render failure the Worker should count against
// MaxRetries rather than fail outright: navigation timeouts, a crashed
// browser tab, or other conditions likely to succeed on a later attempt.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient render error: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// Renderer turns a Request into a PDF file on disk.
type Renderer interface {
	Render(ctx context.Context, req Request) error
}

func navigationDeadline(ctx context.Context, timeoutS int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
}

func validateRequest(req Request) error {
	if req.URL == "" {
		return fmt.Errorf("render request missing URL")
	}
	if req.OutputPath == "" {
		return fmt.Errorf("render request missing output path")
	}
	if req.Mode != jobmodel.RenderModePrintToPDF && req.Mode != jobmodel.RenderModeScreenshotToPDF {
		return fmt.Errorf("unsupported render mode: %s", req.Mode)
	}
	return nil
}
