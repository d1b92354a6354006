// Package camera provides video capture functionality using V4L2
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// Frame represents a captured video frame
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    v4l2.FourCCType
	Timestamp time.Time
	Sequence  uint32
}

// ToImage converts the frame to a Go image.Image
func (f *Frame) ToImage() (image.Image, error) {
	switch f.Format {
	case v4l2.PixelFmtMJPEG:
		return jpeg.Decode(bytes.NewReader(f.Data))
	case v4l2.PixelFmtYUYV:
		return yuyvToRGB(f.Data, f.Width, f.Height)
	case v4l2.PixelFmtRGB24:
		return rgb24ToImage(f.Data, f.Width, f.Height)
	case v4l2.PixelFmtGrey:
		return greyToImage(f.Data, f.Width, f.Height)
	case PixelFmtY16:
		return y16ToImage(f.Data, f.Width, f.Height)
	default:
		return nil, fmt.Errorf("unsupported pixel format: %v", f.Format)
	}
}

// PixelFmtY16 is the 16-bit greyscale format some IR sensors deliver
var PixelFmtY16 = v4l2.FourCCType(uint32('Y') | uint32('1')<<8 | uint32('6')<<16 | uint32(' ')<<24)

// Device is an open capture device. Frames is valid after Start and is closed
// when streaming ends.
type Device interface {
	Start() error
	Frames() <-chan *Frame
	Close() error
}

// Opener opens the configured capture device
type Opener func(cfg config.CameraConfig) (Device, error)

// Camera represents a V4L2 camera device
type Camera struct {
	device    *device.Device
	config    config.CameraConfig
	format    v4l2.FourCCType
	width     int
	height    int
	frameChan chan *Frame
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	logger    logrus.FieldLogger
	closed    bool
}

// V4L2Opener returns the Opener for real hardware
func V4L2Opener(logger logrus.FieldLogger) Opener {
	return func(cfg config.CameraConfig) (Device, error) {
		cam, err := NewCamera(cfg, logger)
		if err != nil {
			return nil, err
		}
		if formats, err := cam.GetSupportedFormats(); err == nil {
			for _, f := range formats {
				logger.Debugf("%s supports %s", cfg.Device, f.Description)
			}
		}
		return cam, nil
	}
}

// NewCamera opens the device and requests the configured resolution.
// The driver may pick a different size; the negotiated one is used for frames.
func NewCamera(cfg config.CameraConfig, logger logrus.FieldLogger) (*Camera, error) {
	format := parsePixelFormat(cfg.PixelFormat)

	opts := []device.Option{
		device.WithPixFormat(v4l2.PixFormat{
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
			PixelFormat: format,
			Field:       v4l2.FieldNone,
		}),
	}
	if cfg.FPS > 0 {
		opts = append(opts, device.WithFPS(uint32(cfg.FPS)))
	}

	dev, err := device.Open(cfg.Device, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera device %s: %w", cfg.Device, err)
	}

	width, height := cfg.Width, cfg.Height
	if pix, err := dev.GetPixFormat(); err == nil {
		width, height = int(pix.Width), int(pix.Height)
		format = pix.PixelFormat
	} else {
		logger.Warnf("Could not read negotiated format of %s: %v", cfg.Device, err)
	}

	logger.Infof("Camera %s opened at %dx%d", cfg.Device, width, height)

	return &Camera{
		device:    dev,
		config:    cfg,
		format:    format,
		width:     width,
		height:    height,
		frameChan: make(chan *Frame, 4),
		logger:    logger,
	}, nil
}

// Start begins video capture
func (c *Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if err := c.device.Start(c.ctx); err != nil {
		c.cancel()
		return fmt.Errorf("failed to start camera: %w", err)
	}

	go c.captureLoop(c.ctx)
	return nil
}

// Frames returns the frame channel for streaming
func (c *Camera) Frames() <-chan *Frame {
	return c.frameChan
}

// captureLoop continuously captures frames from the camera
func (c *Camera) captureLoop(ctx context.Context) {
	defer close(c.frameChan)

	output := c.device.GetOutput()
	var seq uint32

	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-output:
			if !ok {
				return
			}

			// Make a copy of the buffer data
			dataCopy := make([]byte, len(buf))
			copy(dataCopy, buf)
			seq++

			frame := &Frame{
				Data:      dataCopy,
				Width:     c.width,
				Height:    c.height,
				Format:    c.format,
				Timestamp: time.Now(),
				Sequence:  seq,
			}

			// Drop the oldest frame when the reader falls behind
			select {
			case c.frameChan <- frame:
			case <-ctx.Done():
				return
			default:
				select {
				case <-c.frameChan:
				default:
				}
				select {
				case c.frameChan <- frame:
				default:
				}
			}
		}
	}
}

// Close stops capture and releases the device. Safe to call more than once.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		if err := c.device.Stop(); err != nil {
			c.logger.Warnf("Failed to stop camera stream: %v", err)
		}
	}

	if err := c.device.Close(); err != nil {
		return fmt.Errorf("failed to close camera: %w", err)
	}
	return nil
}

// GetSupportedFormats returns the list of supported pixel formats
func (c *Camera) GetSupportedFormats() ([]v4l2.FormatDescription, error) {
	return c.device.GetFormatDescriptions()
}

func parsePixelFormat(name string) v4l2.FourCCType {
	switch name {
	case "GREY":
		return v4l2.PixelFmtGrey
	case "YUYV":
		return v4l2.PixelFmtYUYV
	case "RGB24":
		return v4l2.PixelFmtRGB24
	case "Y16":
		return PixelFmtY16
	default:
		return v4l2.PixelFmtMJPEG
	}
}

// Helper functions for format conversion

func yuyvToRGB(data []byte, width, height int) (image.Image, error) {
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("short YUYV frame: %d bytes for %dx%d", len(data), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 2 {
			// YUYV is 4 bytes for 2 pixels
			idx := (y*width + x) * 2
			if idx+3 >= len(data) {
				break
			}

			Y0 := int(data[idx])
			U := int(data[idx+1]) - 128
			Y1 := int(data[idx+2])
			V := int(data[idx+3]) - 128

			r0, g0, b0 := yuvToRGB(Y0, U, V)
			r1, g1, b1 := yuvToRGB(Y1, U, V)

			img.SetRGBA(x, y, color.RGBA{R: r0, G: g0, B: b0, A: 255})
			if x+1 < width {
				img.SetRGBA(x+1, y, color.RGBA{R: r1, G: g1, B: b1, A: 255})
			}
		}
	}

	return img, nil
}

func yuvToRGB(y, u, v int) (uint8, uint8, uint8) {
	// BT.601 conversion
	c := y - 16
	d := u
	e := v

	R := (298*c + 409*e + 128) >> 8
	G := (298*c - 100*d - 208*e + 128) >> 8
	B := (298*c + 516*d + 128) >> 8

	return clampUint8(R), clampUint8(G), clampUint8(B)
}

func clampUint8(val int) uint8 {
	if val < 0 {
		return 0
	}
	if val > 255 {
		return 255
	}
	return uint8(val)
}

func rgb24ToImage(data []byte, width, height int) (image.Image, error) {
	if len(data) < width*height*3 {
		return nil, fmt.Errorf("short RGB24 frame: %d bytes for %dx%d", len(data), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := (y*width + x) * 3
			img.SetRGBA(x, y, color.RGBA{R: data[idx], G: data[idx+1], B: data[idx+2], A: 255})
		}
	}

	return img, nil
}

func greyToImage(data []byte, width, height int) (image.Image, error) {
	if len(data) < width*height {
		return nil, fmt.Errorf("short GREY frame: %d bytes for %dx%d", len(data), width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, data)
	return img, nil
}

func y16ToImage(data []byte, width, height int) (image.Image, error) {
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("short Y16 frame: %d bytes for %dx%d", len(data), width, height)
	}
	// Keep the high byte of each little-endian sample
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		img.Pix[i] = data[i*2+1]
	}
	return img, nil
}
