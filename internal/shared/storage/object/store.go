package object

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ObjectStore defines the contract for saving and retrieving binary objects.
// Fetched registry documents are namespaced by environment so prod and
// staging artifacts never collide.
type ObjectStore interface {
	Save(ctx context.Context, env string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, mimeType string, err error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// SanitizeFileName rejects path traversal and normalizes the base name.
func SanitizeFileName(fileName string) (string, error) {
	base := filepath.Base(strings.TrimSpace(fileName))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if strings.Trim(cleaned, "._") == "" {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	return cleaned, nil
}
