//go:build linux

package shm_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/crosstyan/cv-mmap/internal/shm"
)

// testName returns a region name that cannot collide across test
// processes.
func testName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("cvmmap-test-%s", uuid.NewString())
}

// --- Test 1: producer lifecycle ---

// TestRegionLifecycle validates the full producer path and the
// consumer view of it.
//
// Scenario:
//  1. Create → SizeAndMap → Write a recognizable pattern
//  2. OpenRead the same name, compare bytes
//  3. Close the producer side, verify the name is unlinked
func TestRegionLifecycle(t *testing.T) {
	name := testName(t)

	r, err := shm.Create(name)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer r.Close()

	payload := bytes.Repeat([]byte{0xa5, 0x5a}, 512)
	if err := r.SizeAndMap(len(payload)); err != nil {
		t.Fatalf("SizeAndMap() failed: %v", err)
	}
	if got := r.Size(); got != len(payload) {
		t.Errorf("Size() = %d, want %d", got, len(payload))
	}
	if err := r.Write(payload); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	c, err := shm.OpenRead(name, len(payload))
	if err != nil {
		t.Fatalf("OpenRead() failed: %v", err)
	}
	view, err := c.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if !bytes.Equal(view, payload) {
		t.Error("consumer view does not match written payload")
	}
	if err := c.Close(); err != nil {
		t.Errorf("consumer Close() failed: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if _, err := os.Stat("/dev/shm/" + name); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("region file still present after Close: %v", err)
	}

	t.Logf("✅ lifecycle create→map→write→read→close, name unlinked")
}

// --- Test 2: misuse guards ---

// TestRegionGuards validates the ordering contract: no Write before
// SizeAndMap, no second SizeAndMap, exact-size writes only, and
// everything fails cleanly after Close.
func TestRegionGuards(t *testing.T) {
	r, err := shm.Create(testName(t))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer r.Close()

	if err := r.Write(make([]byte, 16)); !errors.Is(err, shm.ErrNotMapped) {
		t.Errorf("Write before map = %v, want ErrNotMapped", err)
	}
	if err := r.SizeAndMap(64); err != nil {
		t.Fatalf("SizeAndMap() failed: %v", err)
	}
	if err := r.SizeAndMap(64); !errors.Is(err, shm.ErrMapped) {
		t.Errorf("second SizeAndMap = %v, want ErrMapped", err)
	}
	if err := r.Write(make([]byte, 63)); !errors.Is(err, shm.ErrSize) {
		t.Errorf("short Write = %v, want ErrSize", err)
	}
	if err := r.Write(make([]byte, 65)); !errors.Is(err, shm.ErrSize) {
		t.Errorf("long Write = %v, want ErrSize", err)
	}
	if err := r.Write(make([]byte, 64)); err != nil {
		t.Errorf("exact Write failed: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if err := r.Write(make([]byte, 64)); !errors.Is(err, shm.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

// --- Test 3: stale name reclaim ---

// TestCreateReclaimsStaleName validates the bounded reclaim: a second
// Create on an occupied name unlinks it and succeeds on the single
// retry. The first region keeps working on its now-anonymous mapping;
// only the name changes hands.
func TestCreateReclaimsStaleName(t *testing.T) {
	name := testName(t)

	stale, err := shm.Create(name)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer stale.Close()
	if err := stale.SizeAndMap(32); err != nil {
		t.Fatalf("SizeAndMap() failed: %v", err)
	}

	fresh, err := shm.Create(name)
	if err != nil {
		t.Fatalf("Create() on occupied name failed: %v", err)
	}
	defer fresh.Close()

	// Old mapping stays valid after the unlink.
	if err := stale.Write(make([]byte, 32)); err != nil {
		t.Errorf("stale region Write after reclaim failed: %v", err)
	}

	t.Logf("✅ occupied name reclaimed in one retry")
}
