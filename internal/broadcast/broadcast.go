// Package broadcast runs the frame publication loop.
//
// A Producer owns the whole path from capture to consumer: it reads
// frames from a source, keeps the newest one in the shared-memory
// region, and announces every publication with a monotonically
// increasing sequence number. The loop is single-threaded; state
// transitions and cancellation are observed at frame iteration
// boundaries.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/crosstyan/cv-mmap/internal/announce"
)

// LevelTrace sits below Debug; the per-send log line uses it so that
// even debug runs stay readable at full frame rate.
const LevelTrace = slog.LevelDebug - 4

// State names the producer lifecycle phase.
type State int32

const (
	// StateIdle is the phase before Run.
	StateIdle State = iota
	// StateStarting covers source open, geometry lock, region and
	// announcer construction. Failures here are fatal.
	StateStarting
	// StateCapturing is the steady publish loop.
	StateCapturing
	// StateLooping is the rewind of a finite source at end of stream.
	StateLooping
	// StateDraining is the clean stop after end of stream without loop.
	StateDraining
	// StateStopped is terminal; teardown has run.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateLooping:
		return "looping"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Clock is the pacing seam. The real clock sleeps on a timer.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled; reports whether
	// the full interval elapsed.
	Sleep(ctx context.Context, d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pacingInterval converts fps into the per-frame sleep of self-paced
// sources, rounded to whole milliseconds. 30 fps paces at 33ms.
func pacingInterval(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(math.Round(1000/fps)) * time.Millisecond
}

// Option configures a Producer.
type Option func(*Producer)

// WithLogger routes the producer's log lines through log.
func WithLogger(log *slog.Logger) Option {
	return func(p *Producer) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock substitutes the pacing clock.
func WithClock(c Clock) Option {
	return func(p *Producer) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithStatsInterval overrides the periodic stats log interval from the
// config. Zero disables the log line.
func WithStatsInterval(d time.Duration) Option {
	return func(p *Producer) { p.statsEvery = d }
}

// WithAnnouncer substitutes a pre-built announcer; Run then skips
// endpoint construction. The producer still closes it on teardown.
func WithAnnouncer(a announce.Announcer) Option {
	return func(p *Producer) { p.announcer = a }
}
