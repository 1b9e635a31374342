package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/wire"
)

// synthetic generates a deterministic moving-gradient pattern in
// BGR. It needs no devices or pipelines, which makes it the backend
// of choice for tests, demos and consumer bring-up.
//
// With frame_count > 0 it behaves like a finite file: delivers
// exactly that many frames, then reports end of stream, and rewinds
// on Reset. Infinite mode self-paces to the configured fps; finite
// mode returns frames as fast as asked, pacing is the caller's job
// (matching how file decoding behaves).
type synthetic struct {
	info  wire.FrameInfo
	fps   float64
	total uint64

	mu     sync.Mutex
	opened bool
	closed bool

	// Read-side state, single reader by contract.
	pos  uint64
	buf  []byte
	last time.Time
}

func newSynthetic(cfg config.Config) Source {
	w, h := uint16(cfg.Width), uint16(cfg.Height)
	return &synthetic{
		info: wire.FrameInfo{
			Width:      w,
			Height:     h,
			Channels:   3,
			Depth:      wire.U8,
			BufferSize: uint32(w) * uint32(h) * 3,
		},
		fps:   cfg.FPS,
		total: uint64(cfg.FrameCount),
	}
}

func (s *synthetic) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return fmt.Errorf("source: already open")
	}
	if err := s.info.Validate(); err != nil {
		return fmt.Errorf("source: synthetic geometry: %w", err)
	}
	s.buf = make([]byte, s.info.BufferSize)
	s.opened = true
	s.last = time.Now()
	return nil
}

func (s *synthetic) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	opened, closed := s.opened, s.closed
	s.mu.Unlock()
	if closed {
		return Frame{}, ErrClosed
	}
	if !opened {
		return Frame{}, fmt.Errorf("source: not open")
	}

	if s.total > 0 && s.pos >= s.total {
		return Frame{}, ErrEndOfStream
	}

	if s.total == 0 && s.fps > 0 {
		interval := time.Duration(float64(time.Second) / s.fps)
		if wait := interval - time.Since(s.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Frame{}, ctx.Err()
			case <-timer.C:
			}
		}
		s.last = time.Now()
	}

	s.render()
	s.pos++
	return Frame{Data: s.buf, Info: s.info}, nil
}

// render paints frame number pos: a gradient that scrolls one pixel
// per frame, with the frame counter stamped over the first pixels so
// consumers can verify freshness byte-for-byte.
func (s *synthetic) render() {
	w, ch := int(s.info.Width), int(s.info.Channels)
	shift := byte(s.pos)
	for y := 0; y < int(s.info.Height); y++ {
		row := s.buf[y*w*ch : (y+1)*w*ch]
		for x := 0; x < w; x++ {
			px := row[x*ch:]
			px[0] = byte(x) + shift
			px[1] = byte(y)
			px[2] = shift
		}
	}
	if len(s.buf) >= 8 {
		binary.NativeEndian.PutUint64(s.buf[:8], s.pos)
	}
}

func (s *synthetic) Finite() (uint64, bool) { return s.total, s.total > 0 }

func (s *synthetic) FPS() float64 { return s.fps }

// Reset rewinds to frame zero. The pattern is a pure function of the
// position, so a looped replay is byte-identical to the first pass.
func (s *synthetic) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pos = 0
	return nil
}

func (s *synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
