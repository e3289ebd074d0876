package scopehub

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// CameraName is the device name the fake camera adapter reports to hosts.
const CameraName = "FakeCamera"

// CameraConfig holds the camera geometry and timing configuration. Geometry
// may only change while no acquisition is in progress.
type CameraConfig struct {
	Width         int
	Height        int
	BytesPerPixel int
	Nchan         int
	ExposureMs    float64
}

// DefaultCameraConfig matches the original adapter's construction defaults.
var DefaultCameraConfig = CameraConfig{
	Width:         2304,
	Height:        2304,
	BytesPerPixel: 2,
	Nchan:         3,
	ExposureMs:    10,
}

// FakeCamera is a camera device that fabricates image frames without any
// hardware behind it. It owns the frame buffers and the acquisition loop;
// the host owns the FrameBuffer the loop fills.
type FakeCamera struct {
	mu          sync.Mutex
	config      CameraConfig
	source      *FrameSource
	loop        *AcquisitionLoop
	buffer      FrameBuffer
	current     *Frame // most recent snapped or acquired frame
	initialized bool
	snapCount   int64
}

// NewFakeCamera builds a camera with the given geometry, pushing acquired
// frames into buffer.
func NewFakeCamera(config CameraConfig, buffer FrameBuffer) (*FakeCamera, error) {
	source, err := NewFrameSource(config.Width, config.Height, config.BytesPerPixel, config.Nchan)
	if err != nil {
		return nil, err
	}
	c := &FakeCamera{
		config: config,
		source: source,
		buffer: buffer,
	}
	c.loop = NewAcquisitionLoop(source, buffer, CameraName)
	return c, nil
}

// Initialize marks the device ready. The fake camera has no hardware to
// probe, so this cannot fail.
func (c *FakeCamera) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	return nil
}

// Shutdown stops any running acquisition and marks the device unready.
func (c *FakeCamera) Shutdown() error {
	if err := c.loop.Stop(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	return nil
}

// Configure replaces the camera geometry. Rejected with ErrBusy while an
// acquisition is active, since the loop holds views into the frame buffers.
func (c *FakeCamera) Configure(config CameraConfig) error {
	if c.loop.IsRunning() {
		return fmt.Errorf("%w (cannot reconfigure camera)", ErrBusy)
	}
	source, err := NewFrameSource(config.Width, config.Height, config.BytesPerPixel, config.Nchan)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
	c.source = source
	c.current = nil
	c.loop = NewAcquisitionLoop(source, c.buffer, CameraName)
	return nil
}

// Config returns a copy of the current configuration.
func (c *FakeCamera) Config() CameraConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Width returns the image width in pixels.
func (c *FakeCamera) Width() int { return c.Config().Width }

// Height returns the image height in pixels.
func (c *FakeCamera) Height() int { return c.Config().Height }

// BytesPerPixel returns the single-channel pixel depth in bytes.
func (c *FakeCamera) BytesPerPixel() int { return c.Config().BytesPerPixel }

// Nchan returns the number of channels per frame.
func (c *FakeCamera) Nchan() int { return c.Config().Nchan }

// BitDepth returns the nominal bit depth of one channel.
func (c *FakeCamera) BitDepth() int { return 8 * c.Config().BytesPerPixel }

// ImageBufferSize returns the byte size of one full multi-channel frame.
func (c *FakeCamera) ImageBufferSize() int {
	cfg := c.Config()
	return cfg.Width * cfg.Height * cfg.BytesPerPixel * cfg.Nchan
}

// SetExposure stores the exposure time in milliseconds. It doubles as the
// default frame pacing when StartAcquisition gets no explicit interval.
func (c *FakeCamera) SetExposure(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.ExposureMs = ms
}

// Exposure returns the exposure time in milliseconds.
func (c *FakeCamera) Exposure() float64 { return c.Config().ExposureMs }

// SnapImage synchronously captures a single frame outside the acquisition
// loop. Rejected with ErrBusy while the loop is running.
func (c *FakeCamera) SnapImage() error {
	if c.loop.IsRunning() {
		return fmt.Errorf("%w (cannot snap a single image)", ErrBusy)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.source.Produce()
	c.snapCount++
	return nil
}

// ImageBuffer returns a read-only view of the most recent frame's plane for
// the given channel. It errors until an image has been snapped or acquired.
func (c *FakeCamera) ImageBuffer(channel int) ([]byte, error) {
	c.mu.Lock()
	frame := c.current
	c.mu.Unlock()
	if frame == nil {
		return nil, fmt.Errorf("no image captured yet on camera %q", CameraName)
	}
	return frame.Plane(channel)
}

// StartAcquisition begins continuous acquisition of numFrames frames
// (numFrames < 0 runs unbounded). A non-positive interval falls back to the
// exposure time. Returns ErrBusy if already acquiring.
func (c *FakeCamera) StartAcquisition(numFrames int, interval time.Duration, stopOnOverflow bool) error {
	if interval <= 0 {
		interval = time.Duration(c.Exposure() * float64(time.Millisecond))
	}
	if err := c.loop.Start(numFrames, interval, stopOnOverflow); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = c.source.frame
	c.mu.Unlock()
	return nil
}

// StopAcquisition stops the loop and returns only after the worker has fully
// exited, so no frame is enqueued after it returns.
func (c *FakeCamera) StopAcquisition() error {
	return c.loop.Stop()
}

// IsAcquiring is true exactly while the acquisition loop is running.
func (c *FakeCamera) IsAcquiring() bool {
	return c.loop.IsRunning()
}

// FrameCount reports delivered frames in the current session (0 when idle).
func (c *FakeCamera) FrameCount() int64 {
	return c.loop.FrameCount()
}

// SessionID returns the current acquisition session's ULID, or "" when idle.
func (c *FakeCamera) SessionID() string {
	return c.loop.SessionID()
}

// SaveSnapshot writes the most recent frame's plane for the given channel to
// w as a NumPy .npy array of shape height x width.
func (c *FakeCamera) SaveSnapshot(w io.Writer, channel int) error {
	plane, err := c.ImageBuffer(channel)
	if err != nil {
		return err
	}
	cfg := c.Config()
	vals := make([]float64, cfg.Width*cfg.Height)
	switch cfg.BytesPerPixel {
	case 1:
		for i, b := range plane {
			vals[i] = float64(b)
		}
	case 2:
		for i := range vals {
			vals[i] = float64(binary.LittleEndian.Uint16(plane[2*i:]))
		}
	default:
		return fmt.Errorf("cannot export %d bytes per pixel as npy", cfg.BytesPerPixel)
	}
	m := mat.NewDense(cfg.Height, cfg.Width, vals)
	return npyio.Write(w, m)
}
