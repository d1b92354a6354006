// Package utils provides utility functions for image processing
package utils

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MIMEJPEG is the content type of every captured still
const MIMEJPEG = "image/jpeg"

// ErrEmptyRaster is returned when asked to encode a zero-sized surface
var ErrEmptyRaster = errors.New("raster has zero dimension")

// Rasterize renders src into a new width x height RGBA surface, scaling to fit
// the whole surface. A nil src yields a black surface.
func Rasterize(src image.Image, width, height int) *image.RGBA {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if src == nil || dst.Bounds().Empty() {
		return dst
	}

	sb := src.Bounds()
	if sb.Dx() == width && sb.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyRaster
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyRaster
	}
	return buf.Bytes(), nil
}

// DataURL returns data as a base64 data URL
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ImageInfo describes an image file without decoding its pixels
type ImageInfo struct {
	Format      string
	ContentType string
	Width       int
	Height      int
}

// SniffImage checks that data holds a decodable image header and reports its
// format. JPEG, PNG, GIF, BMP, TIFF and WebP are recognised.
func SniffImage(data []byte) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, errors.New("image is empty")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("unrecognised image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, ErrEmptyRaster
	}

	return ImageInfo{
		Format:      format,
		ContentType: contentType(format, data),
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

func contentType(format string, data []byte) string {
	switch format {
	case "jpeg":
		return MIMEJPEG
	case "png", "gif", "bmp", "tiff", "webp":
		return "image/" + format
	}
	return http.DetectContentType(data)
}
