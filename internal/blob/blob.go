// Package blob keeps attachment files in the per-account blob directory.
package blob

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/postbox/internal/config"
)

// Dir is a blob directory. Stored files are addressed by base name only.
type Dir struct {
	path string
}

// Open returns the blob directory at path, creating it if needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the absolute path of name.
func (d *Dir) Path(name string) string { return filepath.Join(d.path, filepath.Base(name)) }

// Write stores data under a unique name derived from suggested and returns
// that name.
func (d *Dir) Write(suggested string, data []byte) (string, error) {
	base, ext := sanitize(suggested)
	for range 8 {
		var suffix [4]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", err
		}
		name := base + "-" + hex.EncodeToString(suffix[:]) + ext
		f, err := os.OpenFile(filepath.Join(d.path, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create blob: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write blob: %w", err)
		}
		return name, f.Close()
	}
	return "", fmt.Errorf("create blob %q: no free name", suggested)
}

// Read returns the content of name.
func (d *Dir) Read(name string) ([]byte, error) {
	return os.ReadFile(d.Path(name))
}

// Remove deletes name. A missing file is not an error.
func (d *Dir) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Entry is one stored file.
type Entry struct {
	Name    string
	ModTime time.Time
}

// List returns every file in the directory.
func (d *Dir) List() ([]Entry, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: e.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}

func sanitize(name string) (string, string) {
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	base = strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '_' || r == '.':
			return r
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, base)
	if len(base) > 32 {
		base = base[:32]
	}
	if base == "" {
		base = "file"
	}
	if len(ext) > 10 {
		ext = ""
	}
	return base, strings.ToLower(ext)
}

// Limits for outgoing images per media quality.
var qualities = map[string]struct {
	maxSide int
	jpeg    int
}{
	config.MediaBalanced: {maxSide: 1280, jpeg: 75},
	config.MediaWorse:    {maxSide: 640, jpeg: 60},
}

// Recompress re-encodes an outgoing image as JPEG scaled down to the limits
// of quality. Non-images and images already within the limits and smaller
// after encoding are returned unchanged.
func Recompress(data []byte, mimeType, quality string) ([]byte, string, error) {
	if !strings.HasPrefix(mimeType, "image/") || mimeType == "image/gif" {
		return data, mimeType, nil
	}
	q, ok := qualities[quality]
	if !ok {
		q = qualities[config.MediaBalanced]
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mimeType, nil
	}
	b := img.Bounds()
	if b.Dx() > q.maxSide || b.Dy() > q.maxSide {
		img = scale(img, q.maxSide)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q.jpeg}); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	if buf.Len() >= len(data) && b.Dx() <= q.maxSide && b.Dy() <= q.maxSide {
		return data, mimeType, nil
	}
	return buf.Bytes(), "image/jpeg", nil
}

// scale shrinks img so its longer side is maxSide, averaging source pixels.
func scale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	nw, nh := maxSide, maxSide
	if w > h {
		nh = max(1, h*maxSide/w)
	} else {
		nw = max(1, w*maxSide/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := range nh {
		y0, y1 := b.Min.Y+y*h/nh, b.Min.Y+max((y+1)*h/nh, y*h/nh+1)
		for x := range nw {
			x0, x1 := b.Min.X+x*w/nw, b.Min.X+max((x+1)*w/nw, x*w/nw+1)
			var r, g, bl, a, n uint64
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					cr, cg, cb, ca := img.At(sx, sy).RGBA()
					r, g, bl, a = r+uint64(cr), g+uint64(cg), bl+uint64(cb), a+uint64(ca)
					n++
				}
			}
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = uint8(r / n >> 8)
			dst.Pix[i+1] = uint8(g / n >> 8)
			dst.Pix[i+2] = uint8(bl / n >> 8)
			dst.Pix[i+3] = uint8(a / n >> 8)
		}
	}
	return dst
}
