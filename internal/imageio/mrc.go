// Package imageio reads just enough of MRC and TIFF/EER files to size movies,
// count frames and pull tags out of gain references.
package imageio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const mrcHeaderSize = 1024

// MRC data modes understood by ReadMRCSection.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// MRCHeader holds the fields used by this module.
type MRCHeader struct {
	NX, NY, NZ   int
	Mode         int
	PixelSpacing float64
	ExtHeader    int
}

// DataOffset is where the first section starts.
func (h MRCHeader) DataOffset() int64 {
	return int64(mrcHeaderSize + h.ExtHeader)
}

func (h MRCHeader) bytesPerPixel() (int, error) {
	switch h.Mode {
	case ModeInt8:
		return 1, nil
	case ModeInt16, ModeUint16:
		return 2, nil
	case ModeFloat32:
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported MRC mode %d", h.Mode)
}

// ReadMRCHeader parses the fixed 1024 byte header.
func ReadMRCHeader(path string) (MRCHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return MRCHeader{}, err
	}
	defer f.Close()
	return readMRCHeader(f)
}

func readMRCHeader(r io.Reader) (MRCHeader, error) {
	buf := make([]byte, mrcHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return MRCHeader{}, fmt.Errorf("read MRC header: %w", err)
	}
	word := func(i int) int32 { return int32(binary.LittleEndian.Uint32(buf[i*4:])) }
	fword := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])) }

	h := MRCHeader{
		NX:        int(word(0)),
		NY:        int(word(1)),
		NZ:        int(word(2)),
		Mode:      int(word(3)),
		ExtHeader: int(word(23)),
	}
	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 || h.NX > 1<<20 || h.NY > 1<<20 {
		return MRCHeader{}, errors.New("not an MRC file (bad dimensions)")
	}
	if mx := word(7); mx > 0 {
		h.PixelSpacing = float64(fword(10)) / float64(mx)
	}
	return h, nil
}

// ReadMRCSection returns section z (0-based) as float32 values in row-major order.
func ReadMRCSection(path string, z int) ([]float32, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	h, err := readMRCHeader(f)
	if err != nil {
		return nil, 0, 0, err
	}
	if z < 0 || z >= h.NZ {
		return nil, 0, 0, fmt.Errorf("section %d out of range (nz=%d)", z, h.NZ)
	}
	bpp, err := h.bytesPerPixel()
	if err != nil {
		return nil, 0, 0, err
	}
	n := h.NX * h.NY
	raw := make([]byte, n*bpp)
	if _, err := f.ReadAt(raw, h.DataOffset()+int64(z*n*bpp)); err != nil {
		return nil, 0, 0, fmt.Errorf("read section %d: %w", z, err)
	}

	out := make([]float32, n)
	for i := range out {
		switch h.Mode {
		case ModeInt8:
			out[i] = float32(int8(raw[i]))
		case ModeInt16:
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		case ModeUint16:
			out[i] = float32(binary.LittleEndian.Uint16(raw[i*2:]))
		case ModeFloat32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return out, h.NX, h.NY, nil
}

// WriteMRC writes a mode 2 stack. data holds nx*ny*nz values.
func WriteMRC(path string, nx, ny, nz int, pixelSpacing float64, data []float32) error {
	if len(data) != nx*ny*nz {
		return fmt.Errorf("data has %d values, want %d", len(data), nx*ny*nz)
	}
	hdr := make([]byte, mrcHeaderSize)
	put := func(i int, v int32) { binary.LittleEndian.PutUint32(hdr[i*4:], uint32(v)) }
	putf := func(i int, v float32) { binary.LittleEndian.PutUint32(hdr[i*4:], math.Float32bits(v)) }

	put(0, int32(nx))
	put(1, int32(ny))
	put(2, int32(nz))
	put(3, ModeFloat32)
	put(7, int32(nx))
	put(8, int32(ny))
	put(9, int32(nz))
	putf(10, float32(float64(nx)*pixelSpacing))
	putf(11, float32(float64(ny)*pixelSpacing))
	putf(12, float32(float64(nz)*pixelSpacing))
	putf(13, 90)
	putf(14, 90)
	putf(15, 90)
	put(16, 1)
	put(17, 2)
	put(18, 3)

	var lo, hi, sum float64
	for i, v := range data {
		fv := float64(v)
		if i == 0 || fv < lo {
			lo = fv
		}
		if i == 0 || fv > hi {
			hi = fv
		}
		sum += fv
	}
	putf(19, float32(lo))
	putf(20, float32(hi))
	if len(data) > 0 {
		putf(21, float32(sum/float64(len(data))))
	}
	copy(hdr[208:], "MAP ")
	hdr[212], hdr[213] = 0x44, 0x44

	body := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(v))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
