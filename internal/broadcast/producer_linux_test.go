//go:build linux

package broadcast_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crosstyan/cv-mmap/internal/broadcast"
	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/shm"
	"github.com/crosstyan/cv-mmap/internal/source"
	"github.com/crosstyan/cv-mmap/internal/wire"
)

// scriptedSource plays a deterministic frame sequence. Each frame
// stamps its position into the first eight bytes so tests can tell
// frames apart through the region.
type scriptedSource struct {
	info    wire.FrameInfo
	total   uint64 // 0 = infinite
	fps     float64
	failAt  uint64
	failErr error
	infoAt  func(pos uint64) wire.FrameInfo

	opened bool
	closes int
	resets int
	pos    uint64
	buf    []byte
}

func newScripted(w, h int, total uint64, fps float64) *scriptedSource {
	info := wire.FrameInfo{
		Width:      uint16(w),
		Height:     uint16(h),
		Channels:   3,
		Depth:      wire.U8,
		BufferSize: uint32(w * h * 3),
	}
	return &scriptedSource{
		info:  info,
		total: total,
		fps:   fps,
		buf:   make([]byte, info.BufferSize),
	}
}

func (s *scriptedSource) Open(ctx context.Context) error {
	s.opened = true
	return nil
}

func (s *scriptedSource) Read(ctx context.Context) (source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return source.Frame{}, err
	}
	if s.failErr != nil && s.pos == s.failAt {
		return source.Frame{}, s.failErr
	}
	if s.total > 0 && s.pos >= s.total {
		return source.Frame{}, source.ErrEndOfStream
	}
	info := s.info
	if s.infoAt != nil {
		info = s.infoAt(s.pos)
	}
	if int(info.BufferSize) != len(s.buf) {
		s.buf = make([]byte, info.BufferSize)
	}
	binary.NativeEndian.PutUint64(s.buf[:8], s.pos)
	s.pos++
	return source.Frame{Data: s.buf, Info: info}, nil
}

func (s *scriptedSource) Finite() (uint64, bool) { return s.total, s.total > 0 }
func (s *scriptedSource) FPS() float64          { return s.fps }

func (s *scriptedSource) Reset() error {
	s.pos = 0
	s.resets++
	return nil
}

func (s *scriptedSource) Close() error {
	s.closes++
	return nil
}

// captureAnnouncer records every sync it is handed. onSync runs inside
// the producer loop, which makes it a deterministic mid-run probe.
type captureAnnouncer struct {
	fail   error
	onSync func(msg wire.SyncMessage)
	msgs   []wire.SyncMessage
	closes int
}

func (a *captureAnnouncer) Announce(msg wire.SyncMessage) error {
	a.msgs = append(a.msgs, msg)
	if a.onSync != nil {
		a.onSync(msg)
	}
	return a.fail
}

func (a *captureAnnouncer) Close() error {
	a.closes++
	return nil
}

// manualClock records pacing requests. With block set, Sleep parks
// until ctx is cancelled, so a test can hold the producer inside one
// pacing window.
type manualClock struct {
	now    time.Time
	block  bool
	sleeps []time.Duration
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) bool {
	c.sleeps = append(c.sleeps, d)
	if c.block {
		<-ctx.Done()
		return false
	}
	c.now = c.now.Add(d)
	return true
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{Name: fmt.Sprintf("cvmmap-bcast-%s", uuid.NewString())}
}

func regionGone(t *testing.T, name string) {
	t.Helper()
	if _, err := os.Stat("/dev/shm/" + name); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("region %q still present after teardown (stat err %v)", name, err)
	}
}

// --- Test 1: finite source, no loop ---

// TestRunFinite drives a 5-frame source to its end.
//
// Contract checked:
//   - seq starts at 0 and increments once per published frame
//   - the region holds the frame being announced
//   - end of stream is a clean stop, teardown runs once
func TestRunFinite(t *testing.T) {
	cfg := testCfg(t)
	src := newScripted(8, 4, 5, 0)
	ann := &captureAnnouncer{}

	p := broadcast.New(cfg, src, broadcast.WithAnnouncer(ann))

	ann.onSync = func(msg wire.SyncMessage) {
		switch msg.Seq {
		case 0:
			c, err := shm.OpenRead(cfg.Name, int(msg.Info.BufferSize))
			if err != nil {
				t.Errorf("OpenRead during run failed: %v", err)
				return
			}
			defer c.Close()
			view, err := c.Bytes()
			if err != nil {
				t.Errorf("Bytes() failed: %v", err)
				return
			}
			if got := binary.NativeEndian.Uint64(view[:8]); got != 0 {
				t.Errorf("region holds frame %d while announcing seq 0", got)
			}
		case 2:
			s := p.Stats()
			if s.State != broadcast.StateCapturing {
				t.Errorf("mid-run state = %v, want capturing", s.State)
			}
			if s.Frames != 2 || s.LastSeq != 1 {
				t.Errorf("mid-run frames/last = %d/%d, want 2/1", s.Frames, s.LastSeq)
			}
		}
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(ann.msgs) != 5 {
		t.Fatalf("announced %d syncs, want 5", len(ann.msgs))
	}
	for i, msg := range ann.msgs {
		if msg.Seq != uint32(i) {
			t.Errorf("sync %d carries seq %d", i, msg.Seq)
		}
		if msg.Info != src.info {
			t.Errorf("sync %d geometry %+v, want %+v", i, msg.Info, src.info)
		}
	}
	if ann.closes != 1 {
		t.Errorf("announcer closed %d times, want 1", ann.closes)
	}
	if src.closes != 1 {
		t.Errorf("source closed %d times, want 1", src.closes)
	}
	s := p.Stats()
	if s.State != broadcast.StateStopped || s.Frames != 5 || s.LastSeq != 4 {
		t.Errorf("final stats %+v, want stopped/5/4", s)
	}
	regionGone(t, cfg.Name)
	t.Log("✅ finite run published seq 0..4 and tore down cleanly")
}

// --- Test 2: loop keeps the sequence running ---

// TestRunLoop rewinds a 4-frame source and checks that seq continues
// across rewinds instead of restarting, with identical geometry
// throughout.
func TestRunLoop(t *testing.T) {
	cfg := testCfg(t)
	cfg.IsLoop = true
	src := newScripted(8, 4, 4, 0)
	ann := &captureAnnouncer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ann.onSync = func(msg wire.SyncMessage) {
		if msg.Seq >= 9 {
			cancel()
		}
	}

	p := broadcast.New(cfg, src, broadcast.WithAnnouncer(ann))
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(ann.msgs) < 10 {
		t.Fatalf("announced %d syncs, want at least 10 (two rewinds)", len(ann.msgs))
	}
	for i, msg := range ann.msgs {
		if msg.Seq != uint32(i) {
			t.Fatalf("sync %d carries seq %d, sequence must not restart at a rewind", i, msg.Seq)
		}
		if msg.Info != src.info {
			t.Errorf("sync %d geometry changed across rewind", i)
		}
	}
	if src.resets < 2 {
		t.Errorf("source rewound %d times, want at least 2", src.resets)
	}
	regionGone(t, cfg.Name)
	t.Logf("✅ seq ran 0..%d across %d rewinds", len(ann.msgs)-1, src.resets)
}

// --- Test 3: announce failures never stop publication ---

func TestRunAnnounceFailuresAreCounted(t *testing.T) {
	cfg := testCfg(t)
	src := newScripted(8, 4, 3, 0)
	ann := &captureAnnouncer{fail: errors.New("no consumers")}

	p := broadcast.New(cfg, src, broadcast.WithAnnouncer(ann))
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	s := p.Stats()
	if s.Frames != 3 {
		t.Errorf("published %d frames, want all 3 despite announce failures", s.Frames)
	}
	if s.SyncErrors != 3 {
		t.Errorf("counted %d sync errors, want 3", s.SyncErrors)
	}
	regionGone(t, cfg.Name)
	t.Log("✅ publication continued, failures only counted")
}

// --- Test 4: cancellation inside the pacing window ---

// TestRunCancelDuringPacing holds the producer in its first pacing
// sleep and cancels. Run must come back promptly with a clean stop,
// and the requested sleep must be the rounded 30 fps interval.
func TestRunCancelDuringPacing(t *testing.T) {
	cfg := testCfg(t)
	src := newScripted(8, 4, 1000, 30)
	ann := &captureAnnouncer{}
	clk := &manualClock{now: time.Unix(1000, 0), block: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ann.onSync = func(msg wire.SyncMessage) { cancel() }

	p := broadcast.New(cfg, src, broadcast.WithAnnouncer(ann), broadcast.WithClock(clk))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want clean stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if len(clk.sleeps) != 1 || clk.sleeps[0] != 33*time.Millisecond {
		t.Errorf("pacing sleeps = %v, want one 33ms interval", clk.sleeps)
	}
	if got := len(ann.msgs); got != 1 {
		t.Errorf("announced %d syncs before stopping, want 1", got)
	}
	regionGone(t, cfg.Name)
	t.Log("✅ cancellation interrupted the pacing sleep")
}

// --- Test 5: geometry change is fatal ---

func TestRunGeometryChange(t *testing.T) {
	cfg := testCfg(t)
	src := newScripted(8, 4, 5, 0)
	src.infoAt = func(pos uint64) wire.FrameInfo {
		info := src.info
		if pos >= 2 {
			info.Width = 16
			info.BufferSize = uint32(16 * 4 * 3)
		}
		return info
	}
	ann := &captureAnnouncer{}

	p := broadcast.New(cfg, src, broadcast.WithAnnouncer(ann))
	err := p.Run(context.Background())
	if !errors.Is(err, broadcast.ErrGeometryChanged) {
		t.Fatalf("Run() = %v, want ErrGeometryChanged", err)
	}

	if len(ann.msgs) != 2 {
		t.Errorf("announced %d syncs before the violation, want 2", len(ann.msgs))
	}
	if ann.closes != 1 || src.closes != 1 {
		t.Errorf("teardown ran announcer=%d source=%d times, want 1/1", ann.closes, src.closes)
	}
	regionGone(t, cfg.Name)
	t.Log("✅ resize mid-stream stopped the producer with teardown")
}

// --- Test 6: infinite source endings ---

// TestRunInfiniteEndings covers the two ways a device-paced stream can
// end mid-run: a hard read failure and a pipeline end of stream. Both
// are clean stops.
func TestRunInfiniteEndings(t *testing.T) {
	cases := []struct {
		name    string
		failErr error
	}{
		{"read failure", errors.New("device unplugged")},
		{"end of stream", source.ErrEndOfStream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testCfg(t)
			src := newScripted(8, 4, 0, 0)
			src.failAt = 3
			src.failErr = tc.failErr
			ann := &captureAnnouncer{}

			p := broadcast.New(cfg, src, broadcast.WithAnnouncer(ann))
			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run() = %v, want clean stop", err)
			}
			if s := p.Stats(); s.Frames != 3 {
				t.Errorf("published %d frames before the ending, want 3", s.Frames)
			}
			regionGone(t, cfg.Name)
		})
	}
	t.Log("✅ infinite stream endings drain cleanly")
}

// --- Test 7: a producer runs at most once ---

func TestRunOnce(t *testing.T) {
	cfg := testCfg(t)
	src := newScripted(8, 4, 1, 0)
	p := broadcast.New(cfg, src, broadcast.WithAnnouncer(&captureAnnouncer{}))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("second Run() succeeded, want refusal")
	}
	t.Log("✅ second Run refused")
}
