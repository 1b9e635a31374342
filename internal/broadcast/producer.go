package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crosstyan/cv-mmap/internal/announce"
	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/shm"
	"github.com/crosstyan/cv-mmap/internal/source"
	"github.com/crosstyan/cv-mmap/internal/wire"
)

// ErrGeometryChanged reports a mid-stream frame whose geometry differs
// from the one the region was sized for. Consumers hold a mapping of
// the original size, so this is fatal.
var ErrGeometryChanged = errors.New("broadcast: frame geometry changed mid-stream")

// dropCounter is the optional capability sources expose when they shed
// frames internally.
type dropCounter interface {
	Drops() uint64
}

// Stats is a point-in-time snapshot of the producer.
type Stats struct {
	State       State
	Frames      uint64 // frames published so far
	LastSeq     uint32 // seq of the newest published frame, valid when Frames > 0
	SyncErrors  uint64 // failed announce attempts
	SourceDrops uint64 // frames the source shed before Read saw them
	Uptime      time.Duration
	Geometry    wire.FrameInfo // locked by the first frame, zero before that
}

// Producer publishes the newest source frame into a shared-memory
// region and announces each publication. Construct with New, drive
// with Run; a Producer runs at most once.
type Producer struct {
	cfg        *config.Config
	src        source.Source
	log        *slog.Logger
	clock      Clock
	statsEvery time.Duration

	announcer announce.Announcer
	region    *shm.Region

	state     int32
	published uint64
	syncErrs  uint64

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	info      wire.FrameInfo
}

// New builds a Producer over an unopened source. Region name, announce
// endpoints, loop mode and the stats interval come from cfg.
func New(cfg *config.Config, src source.Source, opts ...Option) *Producer {
	p := &Producer{
		cfg:        cfg,
		src:        src,
		log:        slog.Default(),
		clock:      realClock{},
		statsEvery: time.Duration(cfg.StatsIntervalS) * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run drives the producer until the source ends, ctx is cancelled, or
// a fatal error occurs. Cancellation and a mid-stream failure of an
// infinite source both count as a clean stop and return nil. Teardown
// runs exactly once on every exit path, announcer first, then region,
// then source; teardown errors are logged and never mask the return
// value.
func (p *Producer) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("broadcast: producer already ran")
	}
	p.started = true
	p.startedAt = p.clock.Now()
	p.mu.Unlock()

	p.log = p.log.With("run_id", uuid.New().String())

	p.setState(StateStarting)
	err := p.run(ctx)
	p.setState(StateStopped)
	return err
}

func (p *Producer) run(ctx context.Context) error {
	defer p.teardown()

	if err := p.src.Open(ctx); err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	first, err := p.src.Read(ctx)
	if err != nil {
		return fmt.Errorf("first frame: %w", err)
	}
	if err := first.Info.Validate(); err != nil {
		return fmt.Errorf("first frame geometry: %w", err)
	}
	info := first.Info
	p.setInfo(info)
	p.log.Info("frame geometry locked",
		"geometry", info.String(),
		"buffer_size", info.BufferSize)

	region, err := shm.Create(p.cfg.Name)
	if err != nil {
		return fmt.Errorf("shared memory %q: %w", p.cfg.Name, err)
	}
	p.region = region
	if err := region.SizeAndMap(int(info.BufferSize)); err != nil {
		return fmt.Errorf("map %q: %w", p.cfg.Name, err)
	}

	if p.announcer == nil {
		endpoints := append([]string{p.cfg.ZMQAddress}, p.cfg.ExtraAddresses...)
		a, err := announce.NewMulti(ctx, endpoints)
		if err != nil {
			return fmt.Errorf("announcer: %w", err)
		}
		p.announcer = a
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	if p.statsEvery > 0 {
		go p.statsLoop(statsCtx)
	}

	var interval time.Duration
	if _, finite := p.src.Finite(); finite {
		interval = pacingInterval(p.src.FPS())
	}

	p.setState(StateCapturing)
	p.log.Info("capturing",
		"region", p.cfg.Name,
		"loop", p.cfg.IsLoop,
		"interval", interval)

	frame := first
	for {
		if frame.Info != info {
			return fmt.Errorf("%w: region %s, frame %s", ErrGeometryChanged, info, frame.Info)
		}
		if err := p.region.Write(frame.Data); err != nil {
			return fmt.Errorf("region write: %w", err)
		}
		seq := uint32(atomic.LoadUint64(&p.published))
		if err := p.announcer.Announce(wire.SyncMessage{Seq: seq, Info: frame.Info}); err != nil {
			atomic.AddUint64(&p.syncErrs, 1)
			p.log.Warn("sync announce failed", "seq", seq, "error", err)
		} else {
			p.log.Log(ctx, LevelTrace, "sync sent", "seq", seq)
		}
		atomic.AddUint64(&p.published, 1)
		p.log.Debug("frame published", "seq", seq, "bytes", len(frame.Data))

		if interval > 0 && !p.clock.Sleep(ctx, interval) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		next, err := p.nextFrame(ctx)
		switch {
		case err == nil:
			frame = next
		case errors.Is(err, source.ErrEndOfStream):
			p.setState(StateDraining)
			p.log.Info("end of stream, stopping",
				"frames", atomic.LoadUint64(&p.published))
			return nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			if _, finite := p.src.Finite(); !finite {
				p.log.Warn("infinite source failed mid-stream, stopping", "error", err)
				return nil
			}
			return fmt.Errorf("source read: %w", err)
		}
	}
}

// nextFrame reads the next frame, rewinding the source at end of
// stream when looping is on. The sequence counter is untouched by a
// rewind, and the caller's geometry check applies to the rewound
// stream as much as the original one.
func (p *Producer) nextFrame(ctx context.Context) (source.Frame, error) {
	f, err := p.src.Read(ctx)
	if err == nil || !errors.Is(err, source.ErrEndOfStream) {
		return f, err
	}
	if !p.cfg.IsLoop {
		return source.Frame{}, err
	}

	p.setState(StateLooping)
	if err := p.src.Reset(); err != nil {
		return source.Frame{}, fmt.Errorf("rewind source: %w", err)
	}
	p.log.Info("source rewound",
		"next_seq", atomic.LoadUint64(&p.published))
	f, err = p.src.Read(ctx)
	if err != nil {
		return source.Frame{}, fmt.Errorf("read after rewind: %w", err)
	}
	p.setState(StateCapturing)
	return f, nil
}

// teardown releases everything run acquired, in reverse order.
// Failures are logged; a publish path error stays the primary one.
func (p *Producer) teardown() {
	if p.announcer != nil {
		if err := p.announcer.Close(); err != nil {
			p.log.Warn("announcer close failed", "error", err)
		}
		p.announcer = nil
	}
	if p.region != nil {
		if err := p.region.Close(); err != nil {
			p.log.Warn("region close failed", "error", err)
		}
		p.region = nil
	}
	if err := p.src.Close(); err != nil {
		p.log.Warn("source close failed", "error", err)
	}
}

// Stats returns a snapshot assembled from atomic counters; safe to
// call from any goroutine at any time.
func (p *Producer) Stats() Stats {
	frames := atomic.LoadUint64(&p.published)
	s := Stats{
		State:      State(atomic.LoadInt32(&p.state)),
		Frames:     frames,
		SyncErrors: atomic.LoadUint64(&p.syncErrs),
	}
	if frames > 0 {
		s.LastSeq = uint32(frames - 1)
	}
	if dc, ok := p.src.(dropCounter); ok {
		s.SourceDrops = dc.Drops()
	}
	p.mu.Lock()
	if !p.startedAt.IsZero() {
		s.Uptime = p.clock.Now().Sub(p.startedAt)
	}
	s.Geometry = p.info
	p.mu.Unlock()
	return s
}

func (p *Producer) statsLoop(ctx context.Context) {
	t := time.NewTicker(p.statsEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := p.Stats()
			p.log.Info("producer stats",
				"state", s.State.String(),
				"frames", s.Frames,
				"last_seq", s.LastSeq,
				"sync_errors", s.SyncErrors,
				"source_drops", s.SourceDrops,
				"uptime", s.Uptime.Round(time.Second))
		}
	}
}

func (p *Producer) setState(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

func (p *Producer) setInfo(info wire.FrameInfo) {
	p.mu.Lock()
	p.info = info
	p.mu.Unlock()
}
