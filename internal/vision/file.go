package vision

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// File reads screenshots written by an external capture tool. Path may name
// a single PNG that is overwritten in place, or a directory whose newest PNG
// is used.
type File struct {
	path   string
	logger *zap.Logger
}

// NewFile creates a file-backed capturer.
func NewFile(path string, logger *zap.Logger) *File {
	return &File{path: path, logger: logger}
}

// Capture implements Capturer.
func (f *File) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := f.resolve()
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("open screenshot: %w", err)
	}
	defer fh.Close()
	img, err := png.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot %s: %w", target, err)
	}
	return img, nil
}

func (f *File) resolve() (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", f.path, err)
	}
	if !info.IsDir() {
		return f.path, nil
	}

	entries, err := os.ReadDir(f.path)
	if err != nil {
		return "", fmt.Errorf("read dir %s: %w", f.path, err)
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if mod := fi.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = e.Name(), mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no screenshots in %s", f.path)
	}
	f.logger.Debug("using screenshot", zap.String("file", newest))
	return filepath.Join(f.path, newest), nil
}
