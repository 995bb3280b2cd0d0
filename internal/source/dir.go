package source

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Dir replays the images of a directory in lexical file-name order.
type Dir struct {
	files  []string
	loop   bool
	pos    int
	clock  clock
	closed bool
}

// NewDir lists the images under path. With loop set, playback restarts after
// the last file and timestamps keep increasing.
func NewDir(path string, fps float64, loop bool) (*Dir, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("source: fps must be > 0, got %v", fps)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("source: read dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNoFrames, path)
	}
	sort.Strings(files)

	return &Dir{files: files, loop: loop, clock: clock{fps: fps}}, nil
}

// Len returns the number of images in one pass.
func (d *Dir) Len() int { return len(d.files) }

// Next decodes the next image.
func (d *Dir) Next(ctx context.Context) (*frame.Image, int64, error) {
	if d.closed {
		return nil, 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if d.pos == len(d.files) {
		if !d.loop {
			return nil, 0, io.EOF
		}
		d.pos = 0
	}

	path := d.files[d.pos]
	d.pos++
	img, err := decodeFile(path)
	if err != nil {
		return nil, 0, err
	}
	return img, d.clock.next(), nil
}

// Close implements Source.
func (d *Dir) Close() error {
	d.closed = true
	return nil
}

func decodeFile(path string) (*frame.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	defer f.Close()

	decoded, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", filepath.Base(path), err)
	}
	img, err := frame.NewImageFromBitmap(decoded)
	if err != nil {
		return nil, fmt.Errorf("source: %s (%s): %w", filepath.Base(path), format, err)
	}
	return img, nil
}
