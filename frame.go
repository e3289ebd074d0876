package scopehub

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Frame holds one multi-channel synthetic image. The pixel buffer is
// contiguous, with the planes for all channels stored back to back, so
// len(pix) == width*height*bytesPerPixel*nchan always holds.
type Frame struct {
	width         int
	height        int
	bytesPerPixel int
	nchan         int
	pix           []byte
}

// Width returns the image width in pixels.
func (f *Frame) Width() int { return f.width }

// Height returns the image height in pixels.
func (f *Frame) Height() int { return f.height }

// BytesPerPixel returns the pixel depth in bytes for a single channel.
func (f *Frame) BytesPerPixel() int { return f.bytesPerPixel }

// Nchan returns the number of channels in the frame.
func (f *Frame) Nchan() int { return f.nchan }

// BitDepth returns the nominal ADC bit depth of one channel.
func (f *Frame) BitDepth() int { return 8 * f.bytesPerPixel }

// PlaneSize returns the size in bytes of one channel plane.
func (f *Frame) PlaneSize() int { return f.width * f.height * f.bytesPerPixel }

// Plane returns the pixel data for the given channel. The returned slice
// aliases the frame's buffer; callers must treat it as read-only.
func (f *Frame) Plane(channel int) ([]byte, error) {
	if channel < 0 || channel >= f.nchan {
		return nil, fmt.Errorf("channel %d out of range [0,%d)", channel, f.nchan)
	}
	n := f.PlaneSize()
	return f.pix[channel*n : (channel+1)*n], nil
}

// FrameSource fabricates frames for the fake camera. All pattern planes are
// computed once at construction; Produce is allocation-free and cannot fail.
type FrameSource struct {
	width         int
	height        int
	bytesPerPixel int
	nchan         int
	patterns      [][]byte // pattern table; channel ch gets patterns[ch%len(patterns)]
	frame         *Frame
	produced      int64 // diagnostic count of Produce calls
}

// NewFrameSource precomputes the pattern planes and assembles the one reused
// Frame. The pattern table has two entries, a blank plane and a Gaussian
// spot, assigned to channels by index parity.
func NewFrameSource(width, height, bytesPerPixel, nchan int) (*FrameSource, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("frame geometry %dx%d is invalid (expect >= 1x1)", width, height)
	}
	if bytesPerPixel != 1 && bytesPerPixel != 2 {
		return nil, fmt.Errorf("bytesPerPixel=%d not supported (expect 1 or 2)", bytesPerPixel)
	}
	if nchan < 1 {
		return nil, fmt.Errorf("cannot make a frame source with %d channels (expect > 0)", nchan)
	}

	fs := &FrameSource{
		width:         width,
		height:        height,
		bytesPerPixel: bytesPerPixel,
		nchan:         nchan,
	}
	blank := make([]byte, width*height*bytesPerPixel)
	fs.patterns = [][]byte{blank, spotPattern(width, height, bytesPerPixel)}

	pix := make([]byte, width*height*bytesPerPixel*nchan)
	planeSize := width * height * bytesPerPixel
	for ch := 0; ch < nchan; ch++ {
		copy(pix[ch*planeSize:], fs.patterns[ch%len(fs.patterns)])
	}
	fs.frame = &Frame{
		width:         width,
		height:        height,
		bytesPerPixel: bytesPerPixel,
		nchan:         nchan,
		pix:           pix,
	}
	return fs, nil
}

// Produce returns the precomputed frame. Synthetic generation cannot fail,
// and no allocation happens here: the same Frame is handed out every time.
func (fs *FrameSource) Produce() *Frame {
	fs.produced++
	return fs.frame
}

// Produced returns the diagnostic count of frames produced so far.
func (fs *FrameSource) Produced() int64 { return fs.produced }

// spotPattern renders a centered Gaussian intensity spot, the synthetic
// "non-blank" test image. Pixel values are stored little-endian.
func spotPattern(width, height, bytesPerPixel int) []byte {
	sigma := float64(width+height) / 12.0
	if sigma <= 0 {
		sigma = 1
	}
	profile := distuv.Normal{Mu: 0, Sigma: sigma}
	peak := profile.Prob(0)
	maxval := float64(uint64(1)<<(8*bytesPerPixel)) - 1

	pix := make([]byte, width*height*bytesPerPixel)
	cx := float64(width-1) / 2
	cy := float64(height-1) / 2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			r := math.Sqrt(dx*dx + dy*dy)
			v := uint64(maxval * profile.Prob(r) / peak)
			idx := (y*width + x) * bytesPerPixel
			pix[idx] = byte(v)
			if bytesPerPixel == 2 {
				pix[idx+1] = byte(v >> 8)
			}
		}
	}
	return pix
}
