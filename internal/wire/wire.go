// Package wire defines the fixed-layout binary records shared between
// the producer and its out-of-process consumers.
//
// The records cross a language boundary: consumers are typically
// Python processes that unpack the payload with struct format
// "=IHHBBI" (host byte order, no padding). The layouts here are
// therefore byte-exact contracts, not serialization conveniences:
//
//	FrameInfo   (10 bytes)           SyncMessage (14 bytes)
//	  [0:2)  Width      u16            [0:4)   Seq   u32
//	  [2:4)  Height     u16            [4:14)  Info  FrameInfo
//	  [4]    Channels   u8
//	  [5]    Depth      u8 (ElemKind)
//	  [6:10) BufferSize u32
//
// Host byte order is intentional: producer and consumers share one
// machine (the frame buffer itself rides in shared memory), so no
// cross-host portability is bought by fixing endianness, and native
// order keeps the Python side on the fast "=" path.
//
// Encoding is done with explicit offsets via binary.NativeEndian.
// Never introduce reflection-based marshaling here; field order and
// packing are load-bearing.
package wire

import "fmt"

// TopicMagic is the first multipart frame on PUB-style announce
// transports. Subscribers filter on this single byte instead of a
// string topic.
const TopicMagic byte = 0x7d

// ElemKind is the per-element storage type of a frame buffer.
// The codes follow the OpenCV depth table so that consumers can feed
// them straight into cv matrix constructors.
type ElemKind uint8

const (
	U8  ElemKind = 0
	S8  ElemKind = 1
	U16 ElemKind = 2
	S16 ElemKind = 3
	S32 ElemKind = 4
	F32 ElemKind = 5
	F64 ElemKind = 6
	F16 ElemKind = 7
)

// Valid reports whether k is one of the defined element kinds.
func (k ElemKind) Valid() bool { return k <= F16 }

// Size returns the width of one element in bytes, or 0 for an
// undefined kind.
func (k ElemKind) Size() int {
	switch k {
	case U8, S8:
		return 1
	case U16, S16, F16:
		return 2
	case S32, F32:
		return 4
	case F64:
		return 8
	default:
		return 0
	}
}

func (k ElemKind) String() string {
	switch k {
	case U8:
		return "u8"
	case S8:
		return "s8"
	case U16:
		return "u16"
	case S16:
		return "s16"
	case S32:
		return "s32"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("elem(%d)", uint8(k))
	}
}
