package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// Runner lets tests stub external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands for real.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		log.Printf("exec failed cmd=%s args=%q duration_ms=%d stderr=%s",
			name, strings.Join(args, " "), time.Since(start).Milliseconds(), truncate(errb.String(), 8<<10))
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// Rasterizer turns a fetched PDF into one PNG per page via pdftoppm.
type Rasterizer struct {
	Runner       Runner
	PdftoppmPath string
	DPI          int
}

// NewRasterizer builds a rasterizer with the real exec runner.
func NewRasterizer(pdftoppmPath string, dpi int) *Rasterizer {
	if pdftoppmPath == "" {
		pdftoppmPath = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	return &Rasterizer{Runner: ExecRunner{}, PdftoppmPath: pdftoppmPath, DPI: dpi}
}

// Rasterize renders every page of the PDF at path into PNG bytes, in page
// order. pdftoppm zero-pads page numbers, so a lexical sort keeps order.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfPath string) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "registre-pp-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Printf("warning: failed to remove temp dir %q: %v", tmpDir, err)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := r.Runner.Run(ctx, r.PdftoppmPath, "-r", fmt.Sprintf("%d", r.DPI), "-png", pdfPath, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w (%s)", err, truncate(string(errb), 512))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}

	images := make([][]byte, 0, len(matches))
	for _, img := range matches {
		data, err := os.ReadFile(img)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %s: %w", filepath.Base(img), err)
		}
		images = append(images, data)
	}
	return images, nil
}

// CountPages reads the page count from the PDF itself, before any
// rendering. A mismatch with the rendered page count is logged by the
// pipeline but is not fatal.
func CountPages(pdfPath string) (int, error) {
	f, reader, err := pdf.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	return reader.NumPage(), nil
}
