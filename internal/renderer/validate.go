package renderer

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ValidatePDF confirms path is a well-formed, openable PDF with at least one
// page before the Worker marks the owning job succeeded. A render that
// produced a truncated or corrupt file (disk full, browser killed mid
// write) must not be reported as a success.
func ValidatePDF(path string) error {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return fmt.Errorf("artifact failed PDF validation: %w", err)
	}
	if pdfCtx.PageCount < 1 {
		return fmt.Errorf("artifact has no pages")
	}
	return nil
}
