package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Record sizes in bytes. These are fixed by the cross-language
// contract (see package doc) and must never drift.
const (
	FrameInfoSize   = 10
	SyncMessageSize = FrameInfoSize + 4
)

// FrameInfo describes the geometry of the frame currently held in the
// shared-memory region. Consumers use it to size their mapping and to
// reinterpret the raw bytes as an image matrix.
type FrameInfo struct {
	// Width and Height in pixels.
	Width  uint16
	Height uint16
	// Channels per pixel (3 for BGR, 1 for gray).
	Channels uint8
	// Depth is the per-element storage type.
	Depth ElemKind
	// BufferSize is the byte length of the frame buffer. Redundant
	// with the geometry fields, carried so consumers can size the
	// mapping without multiplying (and so mismatches are detectable).
	BufferSize uint32
}

// PixelBytes returns the byte width of one pixel.
func (fi FrameInfo) PixelBytes() int {
	return int(fi.Channels) * fi.Depth.Size()
}

// Validate checks internal consistency.
//
// Contract: zero extents, zero channels, undefined depth codes and a
// BufferSize that disagrees with Width*Height*Channels*Depth.Size()
// are all rejected. A FrameInfo that passes Validate is safe to use
// for region sizing.
func (fi FrameInfo) Validate() error {
	if fi.Width == 0 || fi.Height == 0 {
		return fmt.Errorf("frame info: zero extent %dx%d", fi.Width, fi.Height)
	}
	if fi.Channels == 0 {
		return fmt.Errorf("frame info: zero channels")
	}
	if !fi.Depth.Valid() {
		return fmt.Errorf("frame info: unknown element kind %d", uint8(fi.Depth))
	}
	want := uint64(fi.Width) * uint64(fi.Height) * uint64(fi.Channels) * uint64(fi.Depth.Size())
	if want > math.MaxUint32 {
		return fmt.Errorf("frame info: %s exceeds the addressable buffer size", fi)
	}
	if uint64(fi.BufferSize) != want {
		return fmt.Errorf("frame info: buffer size %d does not match %s geometry (want %d)",
			fi.BufferSize, fi, want)
	}
	return nil
}

func (fi FrameInfo) String() string {
	return fmt.Sprintf("%dx%dx%d %s", fi.Width, fi.Height, fi.Channels, fi.Depth)
}

// put writes the packed 10-byte layout at b[0:FrameInfoSize].
// Callers guarantee capacity.
func (fi FrameInfo) put(b []byte) {
	binary.NativeEndian.PutUint16(b[0:2], fi.Width)
	binary.NativeEndian.PutUint16(b[2:4], fi.Height)
	b[4] = fi.Channels
	b[5] = byte(fi.Depth)
	binary.NativeEndian.PutUint32(b[6:10], fi.BufferSize)
}

// MarshalBinary encodes the packed 10-byte layout.
func (fi FrameInfo) MarshalBinary() ([]byte, error) {
	b := make([]byte, FrameInfoSize)
	fi.put(b)
	return b, nil
}

// UnmarshalBinary decodes the packed layout. The input must be
// exactly FrameInfoSize bytes; anything else is a framing error on
// the transport, not a record.
func (fi *FrameInfo) UnmarshalBinary(b []byte) error {
	if len(b) != FrameInfoSize {
		return fmt.Errorf("frame info: need %d bytes, got %d", FrameInfoSize, len(b))
	}
	fi.Width = binary.NativeEndian.Uint16(b[0:2])
	fi.Height = binary.NativeEndian.Uint16(b[2:4])
	fi.Channels = b[4]
	fi.Depth = ElemKind(b[5])
	fi.BufferSize = binary.NativeEndian.Uint32(b[6:10])
	return nil
}

// SyncMessage is published after every frame write. Seq identifies
// the publish (first published frame is 0, strictly +1 after, no gaps
// across loop restarts); Info describes the bytes sitting in the
// region at publish time.
//
// Seq wraps at the uint32 boundary by plain modular arithmetic.
type SyncMessage struct {
	Seq  uint32
	Info FrameInfo
}

// MarshalBinary encodes the packed 14-byte layout.
func (m SyncMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, SyncMessageSize)
	binary.NativeEndian.PutUint32(b[0:4], m.Seq)
	m.Info.put(b[4:])
	return b, nil
}

// UnmarshalBinary decodes the packed layout from exactly
// SyncMessageSize bytes.
func (m *SyncMessage) UnmarshalBinary(b []byte) error {
	if len(b) != SyncMessageSize {
		return fmt.Errorf("sync message: need %d bytes, got %d", SyncMessageSize, len(b))
	}
	m.Seq = binary.NativeEndian.Uint32(b[0:4])
	return m.Info.UnmarshalBinary(b[4:])
}

func (m SyncMessage) String() string {
	return fmt.Sprintf("sync{seq=%d %s}", m.Seq, m.Info)
}
