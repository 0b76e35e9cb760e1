// Package rle converts binary segmentation masks to and from the uncompressed
// run-length layout used on the wire.
//
// Runs alternate between background and foreground starting with background,
// over the mask flattened in column-major order. This is the layout SAM2 and
// COCO tooling produce for uncompressed RLE, so clients built against those
// libraries decode it unchanged.
package rle

import (
	"errors"
	"fmt"
)

// ErrMalformedEncoding is returned when an RLE cannot describe a mask of its
// declared size.
var ErrMalformedEncoding = errors.New("malformed encoding")

// MaxPixels bounds the mask Decode will allocate. It covers 8K frames.
const MaxPixels = 1 << 26

// RLE is the wire form of a mask.
type RLE struct {
	Size   [2]int   `json:"size" msgpack:"size"` // height, width
	Counts []uint32 `json:"counts" msgpack:"counts"`
}

// Height returns the declared mask height.
func (r RLE) Height() int { return r.Size[0] }

// Width returns the declared mask width.
func (r RLE) Width() int { return r.Size[1] }

// Mask is a binary per-pixel region stored row-major.
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]bool, width*height)}
}

// At reports whether the pixel at (x, y) is set.
func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x]
}

// Set marks the pixel at (x, y).
func (m *Mask) Set(x, y int, v bool) {
	m.Pix[y*m.Width+x] = v
}

// Area returns the number of set pixels.
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// Equal reports whether two masks have the same size and pixels.
func (m *Mask) Equal(o *Mask) bool {
	if m.Width != o.Width || m.Height != o.Height || len(m.Pix) != len(o.Pix) {
		return false
	}
	for i := range m.Pix {
		if m.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Threshold is the logit value above which a pixel belongs to the object.
const Threshold float32 = 0.0

// FromLogits binarizes a row-major logit map produced by the engine.
func FromLogits(logits []float32, width, height int) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid mask size %dx%d", width, height)
	}
	if len(logits) != width*height {
		return nil, fmt.Errorf("logit count %d does not match %dx%d", len(logits), width, height)
	}
	m := NewMask(width, height)
	for i, v := range logits {
		m.Pix[i] = v > Threshold
	}
	return m, nil
}

// Encode returns the run-length form of m.
func Encode(m *Mask) RLE {
	counts := make([]uint32, 0, 16)
	current := false
	var run uint32
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			v := m.Pix[y*m.Width+x]
			if v != current {
				counts = append(counts, run)
				run = 0
				current = v
			}
			run++
		}
	}
	counts = append(counts, run)
	return RLE{Size: [2]int{m.Height, m.Width}, Counts: counts}
}

// Decode expands r back into a mask. It fails with ErrMalformedEncoding when
// the runs do not cover exactly height*width pixels.
func Decode(r RLE) (*Mask, error) {
	h, w := r.Height(), r.Width()
	if h < 0 || w < 0 {
		return nil, fmt.Errorf("%w: negative size %v", ErrMalformedEncoding, r.Size)
	}
	if h > MaxPixels || w > MaxPixels || uint64(h)*uint64(w) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrMalformedEncoding, h, w, MaxPixels)
	}
	total := uint64(h) * uint64(w)
	var sum uint64
	for _, c := range r.Counts {
		sum += uint64(c)
	}
	if sum != total {
		return nil, fmt.Errorf("%w: runs cover %d pixels, want %d", ErrMalformedEncoding, sum, total)
	}

	m := NewMask(w, h)
	pos := 0
	value := false
	for _, c := range r.Counts {
		if value {
			for i := 0; i < int(c); i++ {
				p := pos + i
				// column-major position p maps to x = p / h, y = p % h
				m.Pix[(p%h)*w+p/h] = true
			}
		}
		pos += int(c)
		value = !value
	}
	return m, nil
}

// Union sets every pixel of dst that is set in src. Both masks must have the
// same dimensions.
func Union(dst, src *Mask) error {
	if dst.Width != src.Width || dst.Height != src.Height {
		return fmt.Errorf("mask size mismatch: %dx%d vs %dx%d", dst.Width, dst.Height, src.Width, src.Height)
	}
	for i, v := range src.Pix {
		if v {
			dst.Pix[i] = true
		}
	}
	return nil
}
