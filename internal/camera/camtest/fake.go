// Package camtest provides an in-memory capture device for tests.
package camtest

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/camera"
	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// Rig hands out fake devices and tracks how many are open
type Rig struct {
	mu      sync.Mutex
	OpenErr error
	opens   int
	open    int
	last    *Device
}

// Opener returns a camera.Opener backed by the rig
func (r *Rig) Opener() camera.Opener {
	return func(cfg config.CameraConfig) (camera.Device, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.OpenErr != nil {
			return nil, r.OpenErr
		}
		r.opens++
		r.open++
		d := &Device{rig: r, frames: make(chan *camera.Frame, 8)}
		r.last = d
		return d, nil
	}
}

// OpenTracks returns the number of devices opened and not yet closed
func (r *Rig) OpenTracks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Opens returns how many devices were opened in total
func (r *Rig) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// Last returns the most recently opened device
func (r *Rig) Last() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Device is a fake camera.Device fed through Push
type Device struct {
	rig    *Rig
	mu     sync.Mutex
	frames chan *camera.Frame
	closed bool
	seq    uint32
}

func (d *Device) Start() error { return nil }

func (d *Device) Frames() <-chan *camera.Frame { return d.frames }

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device already closed")
	}
	d.closed = true
	close(d.frames)

	d.rig.mu.Lock()
	d.rig.open--
	d.rig.mu.Unlock()
	return nil
}

// Push delivers img as an MJPEG frame with the given reported size and returns
// its sequence number. Pass zero sizes to simulate a driver that does not
// report its resolution.
func (d *Device) Push(img image.Image, width, height int) uint32 {
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	d.seq++
	d.frames <- &camera.Frame{
		Data:      buf.Bytes(),
		Width:     width,
		Height:    height,
		Format:    v4l2.PixelFmtMJPEG,
		Timestamp: time.Now(),
		Sequence:  d.seq,
	}
	return d.seq
}

// Solid returns a w x h image filled with c
func Solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// WaitFrame polls until the session has decoded frame seq (or a later one) or
// the timeout passes
func WaitFrame(s *camera.Session, seq uint32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, err := s.Snapshot(); err == nil && snap.Image != nil && snap.Sequence >= seq {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
