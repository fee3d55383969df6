// Package vision reads, writes and resizes frames and still images.
package vision

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true,
	".webm": true, ".m4v": true, ".mpeg": true, ".mpg": true, ".flv": true,
}

// IsImage reports whether path names an existing image file.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))] && isFile(path)
}

// IsVideo reports whether path names an existing video file.
func IsVideo(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))] && isFile(path)
}

// HasImageExt and HasVideoExt only look at the extension.
func HasImageExt(path string) bool { return imageExts[strings.ToLower(filepath.Ext(path))] }
func HasVideoExt(path string) bool { return videoExts[strings.ToLower(filepath.Ext(path))] }

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ReadFrame decodes an image file.
func ReadFrame(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	return img, nil
}

// WriteFrame encodes img to path, picking the format from the extension.
// quality applies to JPEG output and is clamped to 1..100.
func WriteFrame(path string, img image.Image, quality int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if quality < 1 || quality > 100 {
		quality = 95
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("save frame: %w", err)
	}
	return nil
}

// ParseResolution parses "WIDTHxHEIGHT". An empty string yields a zero point.
func ParseResolution(s string) (image.Point, error) {
	if s == "" {
		return image.Point{}, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return image.Point{}, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return image.Point{}, fmt.Errorf("invalid resolution width %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return image.Point{}, fmt.Errorf("invalid resolution height %q", s)
	}
	return image.Pt(width, height), nil
}

func FormatResolution(p image.Point) string {
	return fmt.Sprintf("%dx%d", p.X, p.Y)
}

// RestrictResolution scales size down to fit inside limit, keeping the
// aspect ratio and even dimensions. A zero limit leaves size unchanged.
func RestrictResolution(size, limit image.Point) image.Point {
	if limit.X <= 0 || limit.Y <= 0 || (size.X <= limit.X && size.Y <= limit.Y) {
		return size
	}
	scale := min(float64(limit.X)/float64(size.X), float64(limit.Y)/float64(size.Y))
	out := image.Pt(int(math.Round(float64(size.X)*scale)), int(math.Round(float64(size.Y)*scale)))
	out.X -= out.X % 2
	out.Y -= out.Y % 2
	return out
}

// Resize fits img inside limit. Smaller images are returned unchanged.
func Resize(img image.Image, limit image.Point) image.Image {
	size := img.Bounds().Size()
	target := RestrictResolution(size, limit)
	if target == size {
		return img
	}
	return imaging.Resize(img, target.X, target.Y, imaging.Lanczos)
}

// CopyImage decodes src, restricts it to resolution and writes it to dst.
func CopyImage(src, dst string, resolution image.Point) error {
	img, err := ReadFrame(src)
	if err != nil {
		return err
	}
	return WriteFrame(dst, Resize(img, resolution), 100)
}

// FinalizeImage re-encodes src at quality and resolution into dst.
func FinalizeImage(src, dst string, quality int, resolution image.Point) error {
	img, err := ReadFrame(src)
	if err != nil {
		return err
	}
	return WriteFrame(dst, Resize(img, resolution), quality)
}

// Size returns the pixel dimensions of an image file without a full decode.
func Size(path string) (image.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, fmt.Errorf("decode config: %w", err)
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}
