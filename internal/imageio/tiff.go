package imageio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

const (
	tagImageWidth  = 256
	tagImageLength = 257
)

// sizes of TIFF field types, indexed by type id
var tiffTypeSize = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8, 16: 8, 17: 8, 18: 8,
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint64
	value []byte // inline value bytes or the offset bytes when not inline
	inl   bool
}

type tiffReader struct {
	r       io.ReaderAt
	order   binary.ByteOrder
	big     bool
	firstAt uint64
}

func openTIFF(r io.ReaderAt) (*tiffReader, error) {
	hdr := make([]byte, 16)
	if _, err := r.ReadAt(hdr[:8], 0); err != nil {
		return nil, fmt.Errorf("read TIFF header: %w", err)
	}
	t := &tiffReader{r: r}
	switch string(hdr[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF file")
	}
	switch t.order.Uint16(hdr[2:]) {
	case 42:
		t.firstAt = uint64(t.order.Uint32(hdr[4:]))
	case 43:
		t.big = true
		if _, err := r.ReadAt(hdr[8:16], 8); err != nil {
			return nil, fmt.Errorf("read BigTIFF header: %w", err)
		}
		t.firstAt = t.order.Uint64(hdr[8:])
	default:
		return nil, errors.New("not a TIFF file (bad version)")
	}
	return t, nil
}

// readIFD returns the entries at off and the offset of the next IFD.
func (t *tiffReader) readIFD(off uint64) ([]ifdEntry, uint64, error) {
	countSize, entrySize, nextSize := 2, 12, 4
	if t.big {
		countSize, entrySize, nextSize = 8, 20, 8
	}
	cbuf := make([]byte, countSize)
	if _, err := t.r.ReadAt(cbuf, int64(off)); err != nil {
		return nil, 0, fmt.Errorf("read IFD count: %w", err)
	}
	var n uint64
	if t.big {
		n = t.order.Uint64(cbuf)
	} else {
		n = uint64(t.order.Uint16(cbuf))
	}
	if n > 4096 {
		return nil, 0, fmt.Errorf("implausible IFD entry count %d", n)
	}
	buf := make([]byte, int(n)*entrySize+nextSize)
	if _, err := t.r.ReadAt(buf, int64(off)+int64(countSize)); err != nil {
		return nil, 0, fmt.Errorf("read IFD: %w", err)
	}
	entries := make([]ifdEntry, 0, n)
	for i := 0; i < int(n); i++ {
		e := buf[i*entrySize:]
		ent := ifdEntry{tag: t.order.Uint16(e), typ: t.order.Uint16(e[2:])}
		inline := 4
		if t.big {
			ent.count = t.order.Uint64(e[4:])
			ent.value = append([]byte(nil), e[12:20]...)
			inline = 8
		} else {
			ent.count = uint64(t.order.Uint32(e[4:]))
			ent.value = append([]byte(nil), e[8:12]...)
		}
		ent.inl = uint64(tiffTypeSize[ent.typ])*ent.count <= uint64(inline)
		entries = append(entries, ent)
	}
	tail := buf[int(n)*entrySize:]
	var next uint64
	if t.big {
		next = t.order.Uint64(tail)
	} else {
		next = uint64(t.order.Uint32(tail))
	}
	return entries, next, nil
}

func (t *tiffReader) data(e ifdEntry) ([]byte, error) {
	size := uint64(tiffTypeSize[e.typ]) * e.count
	if e.inl {
		return e.value[:size], nil
	}
	var off uint64
	if t.big {
		off = t.order.Uint64(e.value)
	} else {
		off = uint64(t.order.Uint32(e.value))
	}
	out := make([]byte, size)
	if _, err := t.r.ReadAt(out, int64(off)); err != nil {
		return nil, fmt.Errorf("read tag %d: %w", e.tag, err)
	}
	return out, nil
}

func (t *tiffReader) uintValue(e ifdEntry) (uint64, error) {
	b, err := t.data(e)
	if err != nil {
		return 0, err
	}
	switch e.typ {
	case 3:
		return uint64(t.order.Uint16(b)), nil
	case 4:
		return uint64(t.order.Uint32(b)), nil
	case 16:
		return t.order.Uint64(b), nil
	}
	return 0, fmt.Errorf("tag %d has non integer type %d", e.tag, e.typ)
}

// TIFFPages counts the IFDs (frames) of a TIFF or EER file.
func TIFFPages(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	t, err := openTIFF(f)
	if err != nil {
		return 0, err
	}
	pages := 0
	seen := map[uint64]bool{}
	for off := t.firstAt; off != 0; {
		if seen[off] {
			return 0, errors.New("TIFF IFD chain loops")
		}
		seen[off] = true
		_, next, err := t.readIFD(off)
		if err != nil {
			return 0, err
		}
		pages++
		off = next
	}
	return pages, nil
}

// TIFFTag returns the raw bytes of tag in the first IFD.
func TIFFTag(path string, tag uint16) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	t, err := openTIFF(f)
	if err != nil {
		return nil, false, err
	}
	entries, _, err := t.readIFD(t.firstAt)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if e.tag == tag {
			b, err := t.data(e)
			return b, err == nil, err
		}
	}
	return nil, false, nil
}

func tiffSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	if cfg, err := tiff.DecodeConfig(f); err == nil {
		return cfg.Width, cfg.Height, nil
	}

	// EER and other exotic compressions are rejected by the decoder,
	// the geometry tags are still plain.
	t, err := openTIFF(f)
	if err != nil {
		return 0, 0, err
	}
	entries, _, err := t.readIFD(t.firstAt)
	if err != nil {
		return 0, 0, err
	}
	var w, h uint64
	for _, e := range entries {
		switch e.tag {
		case tagImageWidth:
			w, err = t.uintValue(e)
		case tagImageLength:
			h, err = t.uintValue(e)
		}
		if err != nil {
			return 0, 0, err
		}
	}
	if w == 0 || h == 0 {
		return 0, 0, errors.New("TIFF without image size")
	}
	return int(w), int(h), nil
}

// Dimensions returns x, y and the number of frames/sections of an image file.
func Dimensions(path string) (int, int, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".mrcs", ".st":
		h, err := ReadMRCHeader(path)
		if err != nil {
			return 0, 0, 0, err
		}
		return h.NX, h.NY, h.NZ, nil
	case ".tif", ".tiff", ".eer", ".gain":
		x, y, err := tiffSize(path)
		if err != nil {
			return 0, 0, 0, err
		}
		z, err := TIFFPages(path)
		if err != nil {
			return 0, 0, 0, err
		}
		return x, y, z, nil
	}
	return 0, 0, 0, fmt.Errorf("unsupported image format: %s", filepath.Ext(path))
}

// WriteFrameTIFF writes an uncompressed 8-bit grayscale TIFF with the given
// number of zero-filled pages. extra tags (ASCII, first page only) are added
// in tag order.
func WriteFrameTIFF(path string, width, height, pages int, extra map[uint16][]byte) error {
	if width <= 0 || height <= 0 || pages <= 0 {
		return errors.New("invalid TIFF geometry")
	}
	le := binary.LittleEndian
	var out []byte
	out = append(out, 'I', 'I', 42, 0, 0, 0, 0, 0)
	prevNext := 4 // where to patch the offset of the next IFD

	type field struct {
		tag   uint16
		typ   uint16
		count uint32
		data  []byte
	}
	u16 := func(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }
	u32 := func(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }

	for p := 0; p < pages; p++ {
		stripAt := len(out)
		out = append(out, make([]byte, width*height)...)
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		fields := []field{
			{tagImageWidth, 4, 1, u32(uint32(width))},
			{tagImageLength, 4, 1, u32(uint32(height))},
			{258, 3, 1, u16(8)},
			{259, 3, 1, u16(1)},
			{262, 3, 1, u16(1)},
			{273, 4, 1, u32(uint32(stripAt))},
			{277, 3, 1, u16(1)},
			{278, 4, 1, u32(uint32(height))},
			{279, 4, 1, u32(uint32(width * height))},
		}
		if p == 0 {
			for tag, val := range extra {
				fields = append(fields, field{tag, 2, uint32(len(val)), val})
			}
		}
		for i := 1; i < len(fields); i++ {
			for j := i; j > 0 && fields[j].tag < fields[j-1].tag; j-- {
				fields[j], fields[j-1] = fields[j-1], fields[j]
			}
		}

		ifdAt := len(out)
		le.PutUint32(out[prevNext:], uint32(ifdAt))
		ifdSize := 2 + 12*len(fields) + 4
		payloadAt := ifdAt + ifdSize
		var payload []byte

		out = append(out, u16(uint16(len(fields)))...)
		for _, f := range fields {
			out = append(out, u16(f.tag)...)
			out = append(out, u16(f.typ)...)
			out = append(out, u32(f.count)...)
			if len(f.data) <= 4 {
				v := make([]byte, 4)
				copy(v, f.data)
				out = append(out, v...)
				continue
			}
			out = append(out, u32(uint32(payloadAt+len(payload)))...)
			payload = append(payload, f.data...)
			if len(payload)%2 == 1 {
				payload = append(payload, 0)
			}
		}
		prevNext = len(out)
		out = append(out, 0, 0, 0, 0)
		out = append(out, payload...)
	}
	return os.WriteFile(path, out, 0o644)
}
