package slot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"meshota/internal/version"
)

// Image container layout, big-endian:
//
//	magic    u32  "MOTA"
//	size     u32  payload length in bytes
//	version  char[16], NUL padded
//	crc      u32  CRC32 (IEEE) over the payload
//	payload  size bytes
const (
	Magic      = 0x4d4f5441
	HeaderSize = 28
)

// ErrBadImage is returned when structural validation fails.
var ErrBadImage = errors.New("invalid firmware image")

// Header is the decoded image header.
type Header struct {
	Size    uint32
	Version string
	CRC     uint32
}

// TotalSize is the full image length including the header.
func (h Header) TotalSize() uint32 {
	return HeaderSize + h.Size
}

// BuildImage wraps a firmware payload in the image container.
func BuildImage(ver string, payload []byte) ([]byte, error) {
	if _, err := version.Parse(ver); err != nil {
		return nil, err
	}
	if len(ver) >= version.MaxLen {
		return nil, fmt.Errorf("%w: version %q too long", ErrBadImage, ver)
	}

	img := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(img[0:4], Magic)
	binary.BigEndian.PutUint32(img[4:8], uint32(len(payload)))
	copy(img[8:8+version.MaxLen], ver)
	binary.BigEndian.PutUint32(img[24:28], crc32.ChecksumIEEE(payload))
	copy(img[HeaderSize:], payload)
	return img, nil
}

// ParseHeader decodes an image header without touching the payload.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: truncated header", ErrBadImage)
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrBadImage)
	}

	h := Header{
		Size: binary.BigEndian.Uint32(b[4:8]),
		CRC:  binary.BigEndian.Uint32(b[24:28]),
	}
	h.Version = cString(b[8 : 8+version.MaxLen])
	if _, err := version.Parse(h.Version); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return h, nil
}

// ValidateImage runs full structural validation: magic, embedded version,
// declared size against actual length, and the whole-payload checksum.
func ValidateImage(b []byte) (Header, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, err
	}
	if uint32(len(b)) != h.TotalSize() {
		return Header{}, fmt.Errorf("%w: size mismatch, have %d want %d", ErrBadImage, len(b), h.TotalSize())
	}
	if crc32.ChecksumIEEE(b[HeaderSize:]) != h.CRC {
		return Header{}, fmt.Errorf("%w: payload checksum mismatch", ErrBadImage)
	}
	return h, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
