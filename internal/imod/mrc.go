package imod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// MRCHeaderSize is the size of the fixed MRC2014 header.
const MRCHeaderSize = 1024

const (
	mrcMapOffset   = 208
	mrcStampOffset = 212
)

// ErrNotMRC is returned when a file does not carry a readable MRC header.
var ErrNotMRC = errors.New("not an MRC file")

// MRCHeader holds the parts of an MRC header needed for staging.
type MRCHeader struct {
	NX, NY, NZ int32
	Mode       int32
	ByteOrder  binary.ByteOrder
}

// Shape returns (nz, ny, nx), the order IMOD stacks are indexed in.
func (h MRCHeader) Shape() [3]int {
	return [3]int{int(h.NZ), int(h.NY), int(h.NX)}
}

// SameShape reports whether two headers describe stacks of equal dimensions.
func (h MRCHeader) SameShape(o MRCHeader) bool {
	return h.NX == o.NX && h.NY == o.NY && h.NZ == o.NZ
}

// DecodeMRCHeader decodes the leading header bytes of an MRC file.
func DecodeMRCHeader(buf []byte) (MRCHeader, error) {
	if len(buf) < MRCHeaderSize {
		return MRCHeader{}, fmt.Errorf("%w: header is %d bytes", ErrNotMRC, len(buf))
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if buf[mrcStampOffset] == 0x11 {
		order = binary.BigEndian
	}
	h := decodeWith(buf, order)
	if !h.plausible() {
		// old files often leave the machine stamp empty
		if alt := decodeWith(buf, otherOrder(order)); alt.plausible() {
			return alt, nil
		}
		return MRCHeader{}, fmt.Errorf("%w: implausible dimensions %dx%dx%d", ErrNotMRC, h.NX, h.NY, h.NZ)
	}
	return h, nil
}

// ReadMRCHeader reads the header of the MRC file at path.
func ReadMRCHeader(path string) (MRCHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return MRCHeader{}, err
	}
	defer f.Close()

	buf := make([]byte, MRCHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return MRCHeader{}, fmt.Errorf("%w: %v", ErrNotMRC, err)
	}
	return DecodeMRCHeader(buf)
}

// Encode returns a minimal little-endian header with the "MAP " tag and stamp set.
func (h MRCHeader) Encode() []byte {
	buf := make([]byte, MRCHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(h.NX))
	le.PutUint32(buf[4:], uint32(h.NY))
	le.PutUint32(buf[8:], uint32(h.NZ))
	le.PutUint32(buf[12:], uint32(h.Mode))
	copy(buf[mrcMapOffset:], "MAP ")
	buf[mrcStampOffset] = 0x44
	buf[mrcStampOffset+1] = 0x44
	return buf
}

func decodeWith(buf []byte, order binary.ByteOrder) MRCHeader {
	return MRCHeader{
		NX:        int32(order.Uint32(buf[0:])),
		NY:        int32(order.Uint32(buf[4:])),
		NZ:        int32(order.Uint32(buf[8:])),
		Mode:      int32(order.Uint32(buf[12:])),
		ByteOrder: order,
	}
}

func (h MRCHeader) plausible() bool {
	const limit = 1 << 20
	return h.NX > 0 && h.NY > 0 && h.NZ > 0 &&
		h.NX < limit && h.NY < limit && h.NZ < limit &&
		h.Mode >= 0 && h.Mode < 128
}

func otherOrder(o binary.ByteOrder) binary.ByteOrder {
	if o == binary.ByteOrder(binary.BigEndian) {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
