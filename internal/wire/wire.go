// Package wire encodes the mesh OTA protocol messages: a one-byte command
// tag followed by a fixed big-endian payload. Tag values are part of the
// device protocol and must not be renumbered.
//
// The 1 KiB transport bound applies to a block's data field, which is
// capped at MaxBlockData so firmware fragments stay flash-page aligned.
// A full block frame therefore runs up to 1035 bytes: tag, block number,
// total, declared size, checksum, then the data.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshota/internal/version"
)

// Command tags. 0xF0-0xFF is the range reserved for internal mesh use.
const (
	CmdHeartbeat     = 0x01
	CmdRequest       = 0xF0
	CmdStart         = 0xF1
	CmdBlock         = 0xF2
	CmdAck           = 0xF3
	CmdPrepareReboot = 0xF5
	CmdReboot        = 0xF6
	CmdPrepareAck    = 0xF7
)

// MaxBlockData is the mesh MTU cap on a single block's data field.
const MaxBlockData = 1024

// Ack and PrepareAck status values.
const (
	StatusOK    = 0
	StatusError = 1
)

// ErrBadMessage is returned for unknown tags and truncated payloads.
var ErrBadMessage = errors.New("malformed mesh message")

// Message is any decodable protocol message.
type Message interface {
	Cmd() byte
}

// Heartbeat is broadcast periodically by the gateway; peers use its
// recency as their mesh-connectivity signal.
type Heartbeat struct {
	Counter uint8
}

// Start announces a distribution session to a peer.
type Start struct {
	TotalBlocks  uint16
	FirmwareSize uint32
	Version      string
}

// Block carries one firmware fragment.
type Block struct {
	BlockNumber uint16
	TotalBlocks uint16
	Checksum    uint32
	Data        []byte
}

// Ack reports per-block reception status back to the gateway.
type Ack struct {
	BlockNumber uint16
	Status      uint8
}

// Request asks the gateway to (re)start distribution to the sender.
type Request struct{}

// PrepareReboot asks a peer whether it is ready to reboot into Version.
type PrepareReboot struct {
	TimeoutSec uint16
	Version    string
}

// PrepareAck answers a PrepareReboot.
type PrepareAck struct {
	Status uint8
}

// Reboot commits the coordinated reboot after an optional delay.
type Reboot struct {
	DelayMS uint16
}

func (Heartbeat) Cmd() byte     { return CmdHeartbeat }
func (Start) Cmd() byte         { return CmdStart }
func (Block) Cmd() byte         { return CmdBlock }
func (Ack) Cmd() byte           { return CmdAck }
func (Request) Cmd() byte       { return CmdRequest }
func (PrepareReboot) Cmd() byte { return CmdPrepareReboot }
func (PrepareAck) Cmd() byte    { return CmdPrepareAck }
func (Reboot) Cmd() byte        { return CmdReboot }

// Marshal encodes a message to its wire form.
func Marshal(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Heartbeat:
		return []byte{CmdHeartbeat, v.Counter}, nil
	case Start:
		b := make([]byte, 1+2+4+version.MaxLen)
		b[0] = CmdStart
		binary.BigEndian.PutUint16(b[1:3], v.TotalBlocks)
		binary.BigEndian.PutUint32(b[3:7], v.FirmwareSize)
		if err := putVersion(b[7:7+version.MaxLen], v.Version); err != nil {
			return nil, err
		}
		return b, nil
	case Block:
		if len(v.Data) == 0 || len(v.Data) > MaxBlockData {
			return nil, fmt.Errorf("%w: block data %d bytes", ErrBadMessage, len(v.Data))
		}
		b := make([]byte, 1+2+2+2+4+len(v.Data))
		b[0] = CmdBlock
		binary.BigEndian.PutUint16(b[1:3], v.BlockNumber)
		binary.BigEndian.PutUint16(b[3:5], v.TotalBlocks)
		binary.BigEndian.PutUint16(b[5:7], uint16(len(v.Data)))
		binary.BigEndian.PutUint32(b[7:11], v.Checksum)
		copy(b[11:], v.Data)
		return b, nil
	case Ack:
		b := make([]byte, 1+2+1)
		b[0] = CmdAck
		binary.BigEndian.PutUint16(b[1:3], v.BlockNumber)
		b[3] = v.Status
		return b, nil
	case Request:
		return []byte{CmdRequest}, nil
	case PrepareReboot:
		b := make([]byte, 1+2+version.MaxLen)
		b[0] = CmdPrepareReboot
		binary.BigEndian.PutUint16(b[1:3], v.TimeoutSec)
		if err := putVersion(b[3:3+version.MaxLen], v.Version); err != nil {
			return nil, err
		}
		return b, nil
	case PrepareAck:
		return []byte{CmdPrepareAck, v.Status}, nil
	case Reboot:
		b := make([]byte, 1+2)
		b[0] = CmdReboot
		binary.BigEndian.PutUint16(b[1:3], v.DelayMS)
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrBadMessage, m)
	}
}

// Unmarshal decodes a wire message. The version fields are carried as raw
// strings; parse failures are for the Version Guard to judge, not the
// codec.
func Unmarshal(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadMessage)
	}

	payload := b[1:]
	switch b[0] {
	case CmdHeartbeat:
		if len(payload) < 1 {
			return nil, truncated("heartbeat")
		}
		return Heartbeat{Counter: payload[0]}, nil
	case CmdStart:
		if len(payload) < 6+version.MaxLen {
			return nil, truncated("start")
		}
		return Start{
			TotalBlocks:  binary.BigEndian.Uint16(payload[0:2]),
			FirmwareSize: binary.BigEndian.Uint32(payload[2:6]),
			Version:      cString(payload[6 : 6+version.MaxLen]),
		}, nil
	case CmdBlock:
		if len(payload) < 10 {
			return nil, truncated("block")
		}
		size := binary.BigEndian.Uint16(payload[4:6])
		if size == 0 || size > MaxBlockData || len(payload) < 10+int(size) {
			return nil, fmt.Errorf("%w: block size %d with %d payload bytes", ErrBadMessage, size, len(payload))
		}
		data := make([]byte, size)
		copy(data, payload[10:10+size])
		return Block{
			BlockNumber: binary.BigEndian.Uint16(payload[0:2]),
			TotalBlocks: binary.BigEndian.Uint16(payload[2:4]),
			Checksum:    binary.BigEndian.Uint32(payload[6:10]),
			Data:        data,
		}, nil
	case CmdAck:
		if len(payload) < 3 {
			return nil, truncated("ack")
		}
		return Ack{
			BlockNumber: binary.BigEndian.Uint16(payload[0:2]),
			Status:      payload[2],
		}, nil
	case CmdRequest:
		return Request{}, nil
	case CmdPrepareReboot:
		if len(payload) < 2+version.MaxLen {
			return nil, truncated("prepare-reboot")
		}
		return PrepareReboot{
			TimeoutSec: binary.BigEndian.Uint16(payload[0:2]),
			Version:    cString(payload[2 : 2+version.MaxLen]),
		}, nil
	case CmdPrepareAck:
		if len(payload) < 1 {
			return nil, truncated("prepare-ack")
		}
		return PrepareAck{Status: payload[0]}, nil
	case CmdReboot:
		if len(payload) < 2 {
			return nil, truncated("reboot")
		}
		return Reboot{DelayMS: binary.BigEndian.Uint16(payload[0:2])}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command 0x%02x", ErrBadMessage, b[0])
	}
}

func putVersion(dst []byte, v string) error {
	if len(v) >= version.MaxLen {
		return fmt.Errorf("%w: version %q too long", ErrBadMessage, v)
	}
	copy(dst, v)
	return nil
}

func truncated(kind string) error {
	return fmt.Errorf("%w: truncated %s", ErrBadMessage, kind)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
