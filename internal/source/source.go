// Package source acquires video frames for the broadcast loop.
//
// Three backends are provided: a GStreamer pipeline (launch
// description from config), a V4L2 capture device (numeric index) and
// an in-process synthetic generator. New picks one from the
// configured api preference and the resolved pipeline union.
//
// All backends share one contract:
//   - Open acquires the device or sets the pipeline playing.
//   - Read blocks for the next frame, honoring ctx between frames.
//     A finite source that is exhausted returns ErrEndOfStream; that
//     is the normal end of playback, not a fault.
//   - Frame.Data is only valid until the next Read on the same
//     source; callers copy it out (the broadcast loop copies it into
//     the shared region immediately).
//   - Reset rewinds a finite source to position zero and nothing
//     else. Sequence numbering is not the source's business.
//   - Close is idempotent and releases everything Open acquired.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/wire"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrEndOfStream reports that a finite source has delivered its
	// last frame.
	ErrEndOfStream = errors.New("source: end of stream")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("source: closed")
	// ErrRead wraps mid-stream acquisition faults.
	ErrRead = errors.New("source: read failed")
)

// Frame is one captured frame. Data aliases backend-owned memory and
// is valid only until the next Read.
type Frame struct {
	Data []byte
	Info wire.FrameInfo
}

// Source is the acquisition contract shared by all backends.
type Source interface {
	// Open acquires the device or starts the pipeline.
	Open(ctx context.Context) error
	// Read blocks for the next frame. ErrEndOfStream marks the clean
	// end of a finite source.
	Read(ctx context.Context) (Frame, error)
	// Finite reports the total frame count when knowable before
	// playback ends. Live sources report ok == false.
	Finite() (total uint64, ok bool)
	// FPS reports the source frame rate, 0 when unknown.
	FPS() float64
	// Reset rewinds a finite source to position zero.
	Reset() error
	// Close releases the source. Idempotent.
	Close() error
}

// New selects a backend from the validated configuration.
//
// api "any" follows the pipeline union: a description goes to
// GStreamer, an index to V4L2. "ffmpeg" is served by GStreamer with
// the description treated as a media location when it is not a
// launch string.
func New(cfg config.Config) (Source, error) {
	switch api := config.API(cfg.API); api {
	case config.APISynthetic:
		return newSynthetic(cfg), nil
	case config.APIV4L, config.APIV4L2:
		return newV4L2(cfg)
	case config.APIGStreamer, config.APIFFmpeg:
		return newGst(cfg)
	case config.APIAny:
		if cfg.Ref.Kind == config.PipelineIndex {
			return newV4L2(cfg)
		}
		return newGst(cfg)
	default:
		return nil, fmt.Errorf("source: api %q has no backend in this build", cfg.API)
	}
}
