package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/wire"
)

// appSinkName is the appsink name looked up first in pipeline
// descriptions; OpenCV's gst backend popularized it and existing
// deployment pipelines carry it. Descriptions with a differently
// named appsink still work; the first appsink found is used.
const appSinkName = "opencvsink"

var gstInit sync.Once

// busEvent tags bus traffic with the pipeline generation it came
// from, so a Reset does not mistake a stale end-of-stream for a
// fresh one.
type busEvent struct {
	gen uint64
	err error
}

// gstSource runs an arbitrary gst-launch pipeline ending in an
// appsink and hands its samples to the broadcast loop.
//
// Delivery is a one-deep mailbox: the appsink callback overwrites an
// unconsumed frame instead of queueing, so Read always surfaces the
// freshest sample the pipeline produced. Overwrites are counted as
// drops.
type gstSource struct {
	launch   string
	declared uint64  // frame_count from config, 0 = not declared
	fpsOver  float64 // fps from config, 0 = follow caps

	mu       sync.Mutex
	opened   bool
	closed   bool
	pipeline *gst.Pipeline
	sink     *app.Sink

	frames  chan []byte
	eosCh   chan uint64
	errCh   chan busEvent
	stopBus chan struct{}
	busDone chan struct{}
	gen     uint64 // bumped by Reset; read atomically in callbacks

	drops uint64 // mailbox overwrites

	// Read-side state, single reader by contract.
	atEOS   bool
	haveNfo bool
	info    wire.FrameInfo
	fps     float64
	stride  int
	scratch []byte
}

func newGst(cfg config.Config) (Source, error) {
	if cfg.Ref.Kind != config.PipelineDesc {
		return nil, fmt.Errorf("source: gstreamer backend needs a pipeline description")
	}
	return &gstSource{
		launch:   launchDescription(cfg.Ref.Desc),
		declared: uint64(cfg.FrameCount),
		fpsOver:  cfg.FPS,
		frames:   make(chan []byte, 1),
		eosCh:    make(chan uint64, 1),
		errCh:    make(chan busEvent, 1),
		stopBus:  make(chan struct{}),
		busDone:  make(chan struct{}),
	}, nil
}

// Open parses the launch description, wires the appsink callback and
// sets the pipeline playing. The first frame (and with it the caps
// negotiation) is awaited by the first Read, not here.
func (s *gstSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return fmt.Errorf("source: already open")
	}

	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(s.launch)
	if err != nil {
		return fmt.Errorf("source: parse pipeline %q: %w", s.launch, err)
	}

	sinkElem := findAppSink(pipeline)
	if sinkElem == nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("source: pipeline %q has no appsink element", s.launch)
	}
	sink := app.SinkFromElement(sinkElem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("source: set pipeline playing: %w", err)
	}

	s.pipeline = pipeline
	s.sink = sink
	s.opened = true
	go s.watchBus(pipeline)

	slog.Debug("gstreamer pipeline playing", "launch", s.launch)
	return nil
}

// findAppSink walks the pipeline for the conventionally named
// appsink, falling back to the first auto-named one.
func findAppSink(pipeline *gst.Pipeline) *gst.Element {
	elements, err := pipeline.GetElements()
	if err != nil {
		return nil
	}
	var fallback *gst.Element
	for _, e := range elements {
		name := e.GetName()
		if name == appSinkName {
			return e
		}
		if fallback == nil && strings.HasPrefix(name, "appsink") {
			fallback = e
		}
	}
	return fallback
}

// onNewSample runs on the GStreamer streaming thread. It copies the
// sample out (the pipeline reuses its buffers) and drops the stale
// mailbox frame if Read has not caught up.
func (s *gstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("sample carries no buffer, skipping frame")
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("empty buffer from appsink")
		return gst.FlowOK
	}
	out := make([]byte, len(data))
	copy(out, data)
	buffer.Unmap()

	select {
	case s.frames <- out:
	default:
		select {
		case <-s.frames:
			atomic.AddUint64(&s.drops, 1)
		default:
		}
		select {
		case s.frames <- out:
		default:
		}
	}
	return gst.FlowOK
}

// watchBus polls pipeline messages until Close. EOS and errors are
// forwarded to Read tagged with the current generation.
func (s *gstSource) watchBus(pipeline *gst.Pipeline) {
	defer close(s.busDone)
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.stopBus:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("pipeline end of stream")
			select {
			case s.eosCh <- atomic.LoadUint64(&s.gen):
			default:
			}
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			select {
			case s.errCh <- busEvent{gen: atomic.LoadUint64(&s.gen), err: gerr}:
			default:
			}
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("pipeline state changed", "from", old, "to", next)
			}
		}
	}
}

// Read surfaces the next mailbox frame. A pending frame always wins
// over a pending end-of-stream so the last frames of a finite
// pipeline are not lost.
func (s *gstSource) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if !s.opened {
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("source: not open")
	}
	s.mu.Unlock()

	if s.atEOS {
		return Frame{}, ErrEndOfStream
	}

	for {
		select {
		case data := <-s.frames:
			return s.frameFrom(data)
		default:
		}

		select {
		case data := <-s.frames:
			return s.frameFrom(data)
		case gen := <-s.eosCh:
			if gen != atomic.LoadUint64(&s.gen) {
				continue
			}
			s.atEOS = true
			return Frame{}, ErrEndOfStream
		case ev := <-s.errCh:
			if ev.gen != atomic.LoadUint64(&s.gen) {
				continue
			}
			return Frame{}, fmt.Errorf("%w: %v", ErrRead, ev.err)
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// frameFrom attaches geometry to raw sample bytes. The first frame
// derives it from the negotiated caps; later frames only re-derive
// when the buffer length stops matching (caps renegotiation), which
// the broadcast loop then treats as a geometry violation.
func (s *gstSource) frameFrom(data []byte) (Frame, error) {
	if !s.haveNfo {
		if err := s.deriveInfo(len(data)); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrRead, err)
		}
	}

	switch {
	case len(data) == int(s.info.BufferSize):
		return Frame{Data: data, Info: s.info}, nil
	case s.stride > 0 && len(data) == s.stride*int(s.info.Height):
		// videoconvert pads rows to 4-byte alignment for some
		// widths; compact them so the region layout stays dense.
		row := int(s.info.Width) * s.info.PixelBytes()
		for y := 0; y < int(s.info.Height); y++ {
			copy(s.scratch[y*row:(y+1)*row], data[y*s.stride:y*s.stride+row])
		}
		return Frame{Data: s.scratch, Info: s.info}, nil
	default:
		s.haveNfo = false
		if err := s.deriveInfo(len(data)); err != nil {
			return Frame{}, fmt.Errorf("%w: buffer length %d matches no negotiated layout: %v",
				ErrRead, len(data), err)
		}
		return s.frameFrom(data)
	}
}

// deriveInfo reads the sticky caps off the appsink pad and checks
// them against the observed buffer length.
func (s *gstSource) deriveInfo(dataLen int) error {
	pad := s.sink.Element.GetStaticPad("sink")
	if pad == nil {
		return fmt.Errorf("appsink has no sink pad")
	}
	caps := pad.GetCurrentCaps()
	if caps == nil {
		return fmt.Errorf("caps not negotiated yet")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return fmt.Errorf("caps carry no structure")
	}

	width, err := intField(structure, "width")
	if err != nil {
		return err
	}
	height, err := intField(structure, "height")
	if err != nil {
		return err
	}
	format := "BGR"
	if val, err := structure.GetValue("format"); err == nil {
		if f, ok := val.(string); ok {
			format = f
		}
	}
	channels, depth, err := formatLayout(format)
	if err != nil {
		return err
	}
	if width <= 0 || width > 1<<16-1 || height <= 0 || height > 1<<16-1 {
		return fmt.Errorf("caps geometry %dx%d out of range", width, height)
	}

	info := wire.FrameInfo{
		Width:      uint16(width),
		Height:     uint16(height),
		Channels:   channels,
		Depth:      depth,
		BufferSize: uint32(width) * uint32(height) * uint32(channels) * uint32(depth.Size()),
	}
	rowBytes := width * int(channels) * depth.Size()
	stride := (rowBytes + 3) &^ 3
	if dataLen != int(info.BufferSize) && dataLen != stride*height {
		return fmt.Errorf("buffer length %d fits neither dense %d nor padded %d layout for %s",
			dataLen, info.BufferSize, stride*height, info)
	}

	if val, err := structure.GetValue("framerate"); err == nil {
		s.fps = parseFramerate(fmt.Sprintf("%v", val))
	}

	s.info = info
	s.stride = 0
	if dataLen != int(info.BufferSize) {
		s.stride = stride
		s.scratch = make([]byte, info.BufferSize)
	}
	s.haveNfo = true

	slog.Debug("negotiated caps",
		"format", format,
		"info", info.String(),
		"fps", s.fps,
		"padded", s.stride != 0,
	)
	return nil
}

func intField(structure *gst.Structure, name string) (int, error) {
	val, err := structure.GetValue(name)
	if err != nil {
		return 0, fmt.Errorf("caps have no %s field: %w", name, err)
	}
	n, ok := val.(int)
	if !ok {
		return 0, fmt.Errorf("caps %s field is %T, want int", name, val)
	}
	return n, nil
}

// Finite reports a config-declared frame count. GStreamer cannot
// promise one by itself for arbitrary descriptions; end of stream is
// signalled through Read instead.
func (s *gstSource) Finite() (uint64, bool) {
	return s.declared, s.declared > 0
}

// FPS prefers the config override, then the caps framerate. Zero
// until the first frame negotiates caps.
func (s *gstSource) FPS() float64 {
	if s.fpsOver > 0 {
		return s.fpsOver
	}
	return s.fps
}

// Reset rewinds by cycling the pipeline through NULL back to
// PLAYING, which restarts file-backed descriptions from position
// zero. The generation bump invalidates bus events of the previous
// run; at worst an in-flight stale EOS costs one redundant restart.
func (s *gstSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.opened {
		return fmt.Errorf("source: not open")
	}

	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("source: reset to null: %w", err)
	}
	atomic.AddUint64(&s.gen, 1)
	s.drain()
	s.atEOS = false
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("source: reset to playing: %w", err)
	}
	slog.Debug("pipeline restarted from position zero")
	return nil
}

func (s *gstSource) drain() {
	for {
		select {
		case <-s.frames:
		case <-s.eosCh:
		case <-s.errCh:
		default:
			return
		}
	}
}

// Close stops the bus watcher and drops the pipeline to NULL.
// Idempotent.
func (s *gstSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.opened {
		return nil
	}

	close(s.stopBus)
	select {
	case <-s.busDone:
	case <-time.After(3 * time.Second):
		slog.Warn("bus watcher did not stop in time")
	}
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("source: stop pipeline: %w", err)
	}
	return nil
}

// Drops reports mailbox overwrites since Open.
func (s *gstSource) Drops() uint64 {
	return atomic.LoadUint64(&s.drops)
}
