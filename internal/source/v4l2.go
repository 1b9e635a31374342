//go:build linux

package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blackjack/webcam"

	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/wire"
)

// V4L2 fourcc codes, little-endian packed. Values as in
// linux/videodev2.h; see also the blackjack/webcam examples.
const (
	v4l2PixFmtBGR24 = 0x33524742 // 'BGR3'
	v4l2PixFmtRGB24 = 0x33424752 // 'RGB3'
	v4l2PixFmtGrey  = 0x59455247 // 'GREY'
	v4l2PixFmtYuyv  = 0x56595559 // 'YUYV'
)

// v4l2Format pairs a negotiable fourcc with its wire layout.
// Preference order: BGR first (the downstream contract), packed YUV
// last (consumers must unpack 4:2:2 themselves).
var v4l2Formats = []struct {
	fourcc   webcam.PixelFormat
	channels uint8
	depth    wire.ElemKind
}{
	{v4l2PixFmtBGR24, 3, wire.U8},
	{v4l2PixFmtRGB24, 3, wire.U8},
	{v4l2PixFmtGrey, 1, wire.U8},
	{v4l2PixFmtYuyv, 2, wire.U8},
}

// v4l2Source captures from /dev/video<N>. Always a live source:
// never finite, paced by the device.
type v4l2Source struct {
	index  int
	want   struct{ w, h uint32 }
	fpsCfg float64

	mu     sync.Mutex
	opened bool
	closed bool
	cam    *webcam.Webcam
	info   wire.FrameInfo
}

func newV4L2(cfg config.Config) (Source, error) {
	if cfg.Ref.Kind != config.PipelineIndex {
		return nil, fmt.Errorf("source: v4l2 backend needs a device index")
	}
	s := &v4l2Source{index: cfg.Ref.Index, fpsCfg: cfg.FPS}
	s.want.w = uint32(cfg.Width)
	s.want.h = uint32(cfg.Height)
	return s, nil
}

// Open negotiates the first supported format. Configured geometry is
// matched against the driver's discrete sizes when given; otherwise
// the largest advertised size wins.
func (s *v4l2Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return fmt.Errorf("source: already open")
	}

	path := fmt.Sprintf("/dev/video%d", s.index)
	cam, err := webcam.Open(path)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", path, err)
	}

	supported := cam.GetSupportedFormats()
	var (
		chosen   webcam.PixelFormat
		channels uint8
		depth    wire.ElemKind
	)
	for _, f := range v4l2Formats {
		if _, ok := supported[f.fourcc]; !ok {
			continue
		}
		if len(cam.GetSupportedFrameSizes(f.fourcc)) == 0 {
			continue
		}
		chosen, channels, depth = f.fourcc, f.channels, f.depth
		break
	}
	if chosen == 0 {
		cam.Close()
		return fmt.Errorf("source: %s offers no usable format, supported: %v", path, supported)
	}

	w, h := s.pickSize(cam, chosen)
	_, gotW, gotH, err := cam.SetImageFormat(chosen, w, h)
	if err != nil {
		cam.Close()
		return fmt.Errorf("source: set format on %s: %w", path, err)
	}
	if err := cam.SetBufferCount(2); err != nil {
		cam.Close()
		return fmt.Errorf("source: buffer count on %s: %w", path, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("source: start streaming on %s: %w", path, err)
	}

	if gotW == 0 || gotH == 0 || gotW > 1<<16-1 || gotH > 1<<16-1 {
		cam.StopStreaming()
		cam.Close()
		return fmt.Errorf("source: %s negotiated unusable geometry %dx%d", path, gotW, gotH)
	}

	s.cam = cam
	s.info = wire.FrameInfo{
		Width:      uint16(gotW),
		Height:     uint16(gotH),
		Channels:   channels,
		Depth:      depth,
		BufferSize: gotW * gotH * uint32(channels) * uint32(depth.Size()),
	}
	s.opened = true

	slog.Info("v4l2 device streaming",
		"device", path,
		"fourcc", fmt.Sprintf("%08x", uint32(chosen)),
		"info", s.info.String(),
	)
	return nil
}

func (s *v4l2Source) pickSize(cam *webcam.Webcam, f webcam.PixelFormat) (uint32, uint32) {
	sizes := cam.GetSupportedFrameSizes(f)
	if s.want.w > 0 && s.want.h > 0 {
		for _, size := range sizes {
			if size.MaxWidth >= s.want.w && size.MinWidth <= s.want.w &&
				size.MaxHeight >= s.want.h && size.MinHeight <= s.want.h {
				return s.want.w, s.want.h
			}
		}
		slog.Warn("configured geometry not offered by device, using largest",
			"want_width", s.want.w, "want_height", s.want.h)
	}
	best := 0
	for i, size := range sizes {
		if size.MaxWidth > sizes[best].MaxWidth {
			best = i
		}
	}
	return sizes[best].MaxWidth, sizes[best].MaxHeight
}

// Read waits for the next device frame. Wait timeouts re-check ctx
// and keep waiting; everything else is a read fault.
func (s *v4l2Source) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	cam, opened, closed := s.cam, s.opened, s.closed
	s.mu.Unlock()
	if closed {
		return Frame{}, ErrClosed
	}
	if !opened {
		return Frame{}, fmt.Errorf("source: not open")
	}

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		err := cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return Frame{}, fmt.Errorf("%w: wait for frame: %v", ErrRead, err)
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: read frame: %v", ErrRead, err)
		}
		if len(frame) == 0 {
			continue
		}
		if len(frame) < int(s.info.BufferSize) {
			return Frame{}, fmt.Errorf("%w: device delivered %d bytes, need %d",
				ErrRead, len(frame), s.info.BufferSize)
		}
		// Drivers may append padding past the dense payload.
		return Frame{Data: frame[:s.info.BufferSize], Info: s.info}, nil
	}
}

// Finite: never. Cameras stream until stopped.
func (s *v4l2Source) Finite() (uint64, bool) { return 0, false }

// FPS reports the configured override; V4L2 frame intervals are not
// negotiated here, the device paces delivery.
func (s *v4l2Source) FPS() float64 { return s.fpsCfg }

// Reset has no meaning for a live device.
func (s *v4l2Source) Reset() error {
	return fmt.Errorf("source: v4l2 device cannot rewind")
}

// Close stops streaming and releases the device. Idempotent.
func (s *v4l2Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.opened {
		return nil
	}
	if err := s.cam.StopStreaming(); err != nil {
		slog.Warn("failed to stop v4l2 streaming", "error", err)
	}
	if err := s.cam.Close(); err != nil {
		return fmt.Errorf("source: close device: %w", err)
	}
	return nil
}
