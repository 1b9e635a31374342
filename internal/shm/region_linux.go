//go:build linux

package shm

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// shmDir is the tmpfs mount backing POSIX shared memory on Linux.
const shmDir = "/dev/shm/"

// Region is a named shared-memory object. The producer side obtains
// one from Create and maps it once via SizeAndMap; the consumer side
// uses OpenRead. All methods are safe for concurrent use; the
// publish path itself writes from a single goroutine.
type Region struct {
	mu     sync.Mutex
	name   string
	fd     int
	size   int
	data   []byte
	owner  bool
	closed bool
}

func regionPath(name string) string { return shmDir + name }

// Create opens a fresh region under name for writing.
//
// The open uses O_EXCL so a leftover object from a crashed producer
// surfaces immediately. On EEXIST, or EACCES from a stale object
// owned by somebody else, the name is unlinked and the open retried
// exactly once; a second failure returns ErrExists. Stale objects can
// also be removed by hand (rm /dev/shm/<name>).
//
// The object is created world-readable and writable: consumers are
// foreign processes, commonly running as other users.
func Create(name string) (*Region, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	path := regionPath(name)
	flags := unix.O_RDWR | unix.O_CREAT | unix.O_EXCL

	fd, err := unix.Open(path, flags, 0o666)
	if err == unix.EEXIST || err == unix.EACCES {
		slog.Warn("shared memory name in use, reclaiming", "name", name, "error", err)
		if uerr := unix.Unlink(path); uerr != nil && uerr != unix.ENOENT {
			return nil, fmt.Errorf("shared memory: unlink stale %q: %w", name, uerr)
		}
		fd, err = unix.Open(path, flags, 0o666)
		if err == unix.EEXIST || err == unix.EACCES {
			return nil, fmt.Errorf("%w: %q not reclaimable: %v", ErrExists, name, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("shared memory: create %q: %w", name, err)
	}

	slog.Debug("created shared memory", "name", name, "fd", fd)
	return &Region{name: name, fd: fd, owner: true}, nil
}

// OpenRead maps an existing region read-only. size comes from the
// BufferSize field of a sync message. The returned region does not
// own the name: Close unmaps and closes but never unlinks.
func OpenRead(name string, size int) (*Region, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("shared memory: open %q with size %d", name, size)
	}
	fd, err := unix.Open(regionPath(name), unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shared memory: open %q: %w", name, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shared memory: map %q (%d bytes): %w", name, size, err)
	}
	return &Region{name: name, fd: fd, size: size, data: data}, nil
}

// SizeAndMap truncates the object to size and maps it writable.
// Called exactly once, after the first frame reveals the geometry;
// the size is immutable afterwards.
func (r *Region) SizeAndMap(size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.data != nil {
		return ErrMapped
	}
	if size <= 0 {
		return fmt.Errorf("shared memory: map size %d", size)
	}
	if err := unix.Ftruncate(r.fd, int64(size)); err != nil {
		return fmt.Errorf("shared memory: truncate %q to %d: %w", r.name, size, err)
	}
	data, err := unix.Mmap(r.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shared memory: map %q (%d bytes): %w", r.name, size, err)
	}
	r.size = size
	r.data = data
	slog.Debug("mapped shared memory", "name", r.name, "size", size)
	return nil
}

// Write copies buf into the mapping. The length must equal the mapped
// size exactly; anything else is a geometry violation, not a partial
// write.
func (r *Region) Write(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.data == nil {
		return ErrNotMapped
	}
	if len(buf) != r.size {
		return fmt.Errorf("%w: %d bytes into %d byte region %q", ErrSize, len(buf), r.size, r.name)
	}
	copy(r.data, buf)
	return nil
}

// Bytes returns the raw mapping (consumer reads). Valid until Close.
func (r *Region) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.data == nil {
		return nil, ErrNotMapped
	}
	return r.data, nil
}

// Name returns the normalized object name.
func (r *Region) Name() string { return r.name }

// Size returns the mapped size, 0 before SizeAndMap.
func (r *Region) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Close releases everything the region holds: unmap, close the
// descriptor, and for the owning side unlink the name. Idempotent.
// Step failures are logged and the first is returned, but teardown
// always proceeds through every step.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			first = fmt.Errorf("shared memory: unmap %q: %w", r.name, err)
			slog.Warn("failed to unmap shared memory", "name", r.name, "error", err)
		}
		r.data = nil
	}
	if err := unix.Close(r.fd); err != nil {
		if first == nil {
			first = fmt.Errorf("shared memory: close %q: %w", r.name, err)
		}
		slog.Warn("failed to close shared memory fd", "name", r.name, "error", err)
	}
	if r.owner {
		if err := unix.Unlink(regionPath(r.name)); err != nil && err != unix.ENOENT {
			if first == nil {
				first = fmt.Errorf("shared memory: unlink %q: %w", r.name, err)
			}
			slog.Warn("failed to unlink shared memory", "name", r.name, "error", err)
		}
	}
	return first
}
