package source_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosstyan/cv-mmap/internal/config"
	"github.com/crosstyan/cv-mmap/internal/source"
)

func synthConfig(w, h int, frames uint) config.Config {
	return config.Config{
		Name:       "synth",
		API:        "synthetic",
		ZMQAddress: "ipc:///tmp/test",
		Width:      w,
		Height:     h,
		FPS:        30,
		FrameCount: frames,
		Ref:        config.PipelineRef{Kind: config.PipelineDesc, Desc: "unused"},
	}
}

func mustSource(t *testing.T, cfg config.Config) source.Source {
	t.Helper()
	src, err := source.New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return src
}

// --- Test 1: finite source end of stream ---

// TestSyntheticFinite validates finite-source semantics.
//
// Contract:
//   - exactly frame_count frames, then ErrEndOfStream on every Read
//   - geometry constant across all frames and valid per the wire
//     invariant
//   - finite sources do not self-pace (frames return immediately)
func TestSyntheticFinite(t *testing.T) {
	src := mustSource(t, synthConfig(64, 32, 5))
	defer src.Close()

	if total, ok := src.Finite(); !ok || total != 5 {
		t.Fatalf("Finite() = %d,%v, want 5,true", total, ok)
	}

	ctx := context.Background()
	start := time.Now()
	var frames int
	for {
		f, err := src.Read(ctx)
		if errors.Is(err, source.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Read() failed at frame %d: %v", frames, err)
		}
		if err := f.Info.Validate(); err != nil {
			t.Fatalf("frame %d info invalid: %v", frames, err)
		}
		if len(f.Data) != int(f.Info.BufferSize) {
			t.Fatalf("frame %d: %d data bytes, info says %d", frames, len(f.Data), f.Info.BufferSize)
		}
		frames++
		if frames > 5 {
			t.Fatal("source did not stop at frame_count")
		}
	}
	if frames != 5 {
		t.Errorf("delivered %d frames, want 5", frames)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("finite source self-paced: 5 frames took %v", elapsed)
	}

	if _, err := src.Read(ctx); !errors.Is(err, source.ErrEndOfStream) {
		t.Errorf("Read after end = %v, want ErrEndOfStream", err)
	}

	t.Logf("✅ finite source: %d frames then end of stream", frames)
}

// --- Test 2: reset rewinds position only ---

// TestSyntheticReset validates that Reset replays the identical frame
// sequence: the pattern is a pure function of position.
func TestSyntheticReset(t *testing.T) {
	src := mustSource(t, synthConfig(32, 16, 3))
	defer src.Close()

	ctx := context.Background()
	first := make([][]byte, 0, 3)
	for i := 0; i < 3; i++ {
		f, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read() failed: %v", err)
		}
		first = append(first, append([]byte(nil), f.Data...))
	}
	if _, err := src.Read(ctx); !errors.Is(err, source.ErrEndOfStream) {
		t.Fatalf("expected end of stream, got %v", err)
	}

	if err := src.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		f, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read() after Reset failed: %v", err)
		}
		if !bytes.Equal(f.Data, first[i]) {
			t.Errorf("frame %d differs after Reset", i)
		}
	}

	t.Logf("✅ Reset replays byte-identical frames")
}

// --- Test 3: frames actually move ---

// TestSyntheticFramesDiffer validates that consecutive frames are
// distinguishable (the consumer-freshness property of the pattern).
func TestSyntheticFramesDiffer(t *testing.T) {
	src := mustSource(t, synthConfig(32, 16, 2))
	defer src.Close()

	ctx := context.Background()
	a, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	aCopy := append([]byte(nil), a.Data...)
	b, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if bytes.Equal(aCopy, b.Data) {
		t.Error("consecutive frames are byte-identical")
	}
}

// --- Test 4: cancellation during pacing ---

// TestSyntheticReadHonorsContext validates that an infinite
// generator's pacing sleep is interruptible.
func TestSyntheticReadHonorsContext(t *testing.T) {
	cfg := synthConfig(32, 16, 0)
	cfg.FPS = 0.5 // 2s interval keeps Read parked in the pacer
	src := mustSource(t, cfg)
	defer src.Close()

	// First frame is immediate; the second must wait the interval.
	if _, err := src.Read(context.Background()); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := src.Read(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read() = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the pacing sleep")
	}
}

// --- Test 5: closed source ---

// TestSyntheticClosed validates idempotent Close and the ErrClosed
// guard.
func TestSyntheticClosed(t *testing.T) {
	src := mustSource(t, synthConfig(32, 16, 0))
	if err := src.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if _, err := src.Read(context.Background()); !errors.Is(err, source.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if err := src.Reset(); !errors.Is(err, source.ErrClosed) {
		t.Errorf("Reset after Close = %v, want ErrClosed", err)
	}
}
