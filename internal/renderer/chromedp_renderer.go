package renderer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
)

// ChromeConfig configures the headless Chrome allocator.
type ChromeConfig struct {
	ExecPath     string // empty lets chromedp locate a system Chrome binary
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	DisableGPU   bool
}

// ChromeRenderer implements Renderer on top of a headless Chrome instance,
// one allocator per Render call so a crashed or hung tab can never leak
// into the next job.
type ChromeRenderer struct {
	cfg    ChromeConfig
	logger arbor.ILogger
}

// NewChromeRenderer constructs a ChromeRenderer.
func NewChromeRenderer(cfg ChromeConfig, logger arbor.ILogger) *ChromeRenderer {
	if cfg.WindowWidth == 0 {
		cfg.WindowWidth = 1280
	}
	if cfg.WindowHeight == 0 {
		cfg.WindowHeight = 1696
	}
	return &ChromeRenderer{cfg: cfg, logger: logger}
}

func (r *ChromeRenderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.WindowSize(r.cfg.WindowWidth, r.cfg.WindowHeight),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.cfg.DisableGPU {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}
	return opts
}

// Render navigates to req.URL under a headless Chrome instance and writes a
// PDF to req.OutputPath. Navigation is bounded by req.NavigationTimeoutS;
// a timeout or tab crash is reported as a TransientError so the Worker can
// retry on a later attempt instead of failing the job outright.
func (r *ChromeRenderer) Render(ctx context.Context, req Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer allocatorCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	defer browserCancel()

	navCtx, navCancel := navigationDeadline(browserCtx, req.NavigationTimeoutS)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(req.URL)); err != nil {
		if navCtx.Err() != nil {
			return Transient(fmt.Errorf("navigation to %s did not complete within %ds: %w", req.URL, req.NavigationTimeoutS, err))
		}
		return Transient(fmt.Errorf("navigate to %s: %w", req.URL, err))
	}

	var pdfBytes []byte
	var err error
	switch req.Mode {
	case jobmodel.RenderModePrintToPDF:
		pdfBytes, err = r.renderPrintToPDF(navCtx)
	case jobmodel.RenderModeScreenshotToPDF:
		pdfBytes, err = r.renderScreenshotToPDF(navCtx)
	default:
		return fmt.Errorf("unsupported render mode: %s", req.Mode)
	}
	if err != nil {
		if navCtx.Err() != nil {
			return Transient(fmt.Errorf("navigation to %s did not complete within %ds: %w", req.URL, req.NavigationTimeoutS, err))
		}
		return Transient(fmt.Errorf("render %s: %w", req.URL, err))
	}

	return writeAtomic(req.OutputPath, pdfBytes)
}

func (r *ChromeRenderer) renderPrintToPDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			b, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				Do(ctx)
			if err != nil {
				return err
			}
			buf = b
			return nil
		}),
	)
	return buf, err
}

func (r *ChromeRenderer) renderScreenshotToPDF(ctx context.Context) ([]byte, error) {
	var png []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&png, 90)); err != nil {
		return nil, err
	}
	return pngToPDF(png, r.cfg.WindowWidth, r.cfg.WindowHeight)
}

// pngToPDF wraps a full-page PNG screenshot into a single-page PDF,
// grounded on go-pdf/fpdf's image-embedding API.
func pngToPDF(png []byte, widthPx, heightPx int) ([]byte, error) {
	const dpi = 96.0
	widthMM := float64(widthPx) / dpi * 25.4
	heightMM := float64(heightPx) / dpi * 25.4

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		SizeStr:        "",
		Size:           fpdf.SizeType{Wd: widthMM, Ht: heightMM},
	})
	pdf.AddPage()
	opts := fpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}
	pdf.RegisterImageOptionsReader("screenshot", opts, bytes.NewReader(png))
	pdf.ImageOptions("screenshot", 0, 0, widthMM, heightMM, false, opts, 0, "")

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("encode screenshot pdf: %w", err)
	}
	return out.Bytes(), nil
}

// writeAtomic writes data to a temp file in the same directory as path and
// renames it into place, so a reader never observes a partially-written
// artifact.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.pdf")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename artifact into place: %w", err)
	}
	return nil
}
