// Package capture turns the current camera frame into an encoded still.
package capture

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/workflow"
	"github.com/MrCodeEU/FaceAttend/pkg/utils"
)

// ErrNoActiveSession is returned when capturing from an inactive session
var ErrNoActiveSession = errors.New("no active camera session")

// Default raster size used while the device has not reported a resolution
const (
	DefaultWidth   = 640
	DefaultHeight  = 480
	DefaultQuality = 90
)

// Source yields the current frame of a camera session
type Source interface {
	Snapshot() (camera.Snapshot, error)
}

// Still is one encoded capture. Blob and DataURL share the same bytes.
type Still struct {
	data   []byte
	Width  int
	Height int
}

// NewStill wraps already-encoded JPEG bytes
func NewStill(data []byte, width, height int) *Still {
	return &Still{data: data, Width: width, Height: height}
}

// Blob returns the encoded bytes and their content type
func (s *Still) Blob() ([]byte, string) {
	return s.data, utils.MIMEJPEG
}

// DataURL returns the still as a base64 data URL
func (s *Still) DataURL() string {
	return utils.DataURL(utils.MIMEJPEG, s.data)
}

// Size returns the encoded length in bytes
func (s *Still) Size() int {
	return len(s.data)
}

// Capturer renders frames into JPEG stills
type Capturer struct {
	Quality        int
	FallbackWidth  int
	FallbackHeight int
}

// New returns a capturer with the default quality and fallback size
func New() *Capturer {
	return &Capturer{
		Quality:        DefaultQuality,
		FallbackWidth:  DefaultWidth,
		FallbackHeight: DefaultHeight,
	}
}

// Capture renders the current frame of src at its native size, or at the
// fallback size when the native size is not yet known, and encodes it.
func (c *Capturer) Capture(src Source) (*Still, error) {
	snap, err := src.Snapshot()
	if errors.Is(err, camera.ErrInactive) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, workflow.CaptureFailed(err)
	}

	width, height := snap.Width, snap.Height
	if width <= 0 || height <= 0 {
		width, height = c.FallbackWidth, c.FallbackHeight
	}

	raster := utils.Rasterize(snap.Image, width, height)
	quality := c.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}

	data, err := utils.EncodeJPEG(raster, quality)
	if err != nil {
		return nil, workflow.CaptureFailed(fmt.Errorf("failed to encode %dx%d still: %w", width, height, err))
	}

	return NewStill(data, width, height), nil
}
