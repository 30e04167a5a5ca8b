package console

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

var (
	// ErrNotPPM is returned when the data does not start with a P6 header.
	ErrNotPPM = errors.New("console: not a binary PPM image")
	// ErrTruncated is returned when the header promises more pixels than
	// the data holds.
	ErrTruncated = errors.New("console: PPM pixel data truncated")
)

// DecodePPM decodes a binary (P6) portable pixmap. Trailing bytes after the
// last pixel are ignored, since the image is read in whole sectors.
func DecodePPM(data []byte) (*image.RGBA, error) {
	if len(data) < 2 || data[0] != 'P' || data[1] != '6' {
		return nil, ErrNotPPM
	}
	pos := 2
	var fields [3]int
	for i := range fields {
		v, next, err := ppmInt(data, pos)
		if err != nil {
			return nil, err
		}
		fields[i], pos = v, next
	}
	width, height, maxval := fields[0], fields[1], fields[2]
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrNotPPM, width, height)
	}
	if maxval <= 0 || maxval > 0xffff {
		return nil, fmt.Errorf("%w: maxval %d", ErrNotPPM, maxval)
	}
	// Exactly one whitespace byte separates the header from the raster.
	if pos >= len(data) || !ppmSpace(data[pos]) {
		return nil, ErrTruncated
	}
	pos++

	sample := 1
	if maxval > 0xff {
		sample = 2
	}
	stride := width * 3 * sample
	if (len(data)-pos)/stride < height {
		return nil, fmt.Errorf("%w: %dx%d needs %d bytes", ErrTruncated, width, height, stride*height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	raster := data[pos:]
	for y := 0; y < height; y++ {
		row := raster[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			var c [3]uint8
			for ch := range c {
				off := (x*3 + ch) * sample
				v := int(row[off])
				if sample == 2 {
					v = v<<8 | int(row[off+1])
				}
				c[ch] = uint8(v * 0xff / maxval)
			}
			img.SetRGBA(x, y, color.RGBA{R: c[0], G: c[1], B: c[2], A: 0xff})
		}
	}
	return img, nil
}

// ppmInt skips whitespace and comments, then reads a decimal integer.
func ppmInt(data []byte, pos int) (int, int, error) {
	pos = ppmSkip(data, pos)
	start := pos
	v := 0
	for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
		v = v*10 + int(data[pos]-'0')
		if v > 1<<24 {
			return 0, 0, fmt.Errorf("%w: header value too large", ErrNotPPM)
		}
		pos++
	}
	if pos == start {
		return 0, 0, fmt.Errorf("%w: malformed header at byte %d", ErrNotPPM, start)
	}
	return v, pos, nil
}

func ppmSkip(data []byte, pos int) int {
	for pos < len(data) {
		switch {
		case ppmSpace(data[pos]):
			pos++
		case data[pos] == '#':
			for pos < len(data) && data[pos] != '\n' {
				pos++
			}
		default:
			return pos
		}
	}
	return pos
}

func ppmSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}
