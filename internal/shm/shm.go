// Package shm manages the named POSIX shared-memory region that
// carries the latest published frame.
//
// On Linux a POSIX shared-memory object named "cv_shm" is the tmpfs
// file /dev/shm/cv_shm; shm_open reduces to open(2) on that path.
// The producer creates and owns the region (it unlinks the name on
// Close); consumers map the same name read-only and never unlink.
//
// The region is a single slot: one frame, overwritten in place by
// every publish. There is no reader synchronization. A consumer that
// reads while the producer writes can observe a torn frame; that
// trade is documented at the repository level and accepted.
package shm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrExists reports that the region name is still occupied after
	// the one reclaim attempt Create is allowed.
	ErrExists = errors.New("shared memory: name exists")
	// ErrClosed reports use of a closed region.
	ErrClosed = errors.New("shared memory: closed")
	// ErrNotMapped reports Write/Bytes before SizeAndMap.
	ErrNotMapped = errors.New("shared memory: not mapped")
	// ErrMapped reports a second SizeAndMap.
	ErrMapped = errors.New("shared memory: already mapped")
	// ErrSize reports a Write whose length differs from the mapping.
	ErrSize = errors.New("shared memory: size mismatch")
	// ErrUnsupported reports a platform without POSIX shared memory
	// support in this package.
	ErrUnsupported = errors.New("shared memory: unsupported platform")
)

// maxNameLen bounds the tmpfs basename. NAME_MAX is 255 on every
// filesystem we care about.
const maxNameLen = 255

// normalizeName maps a POSIX shm name to its tmpfs basename: one
// leading '/' is dropped ("/cv_shm" and "cv_shm" are the same
// object), the remainder must be a plain non-empty filename.
func normalizeName(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "", fmt.Errorf("shared memory: empty name")
	}
	if strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("shared memory: name %q contains '/'", name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("shared memory: name %q is not a valid object name", name)
	}
	if len(name) > maxNameLen {
		return "", fmt.Errorf("shared memory: name length %d exceeds %d", len(name), maxNameLen)
	}
	return name, nil
}

// ValidateName reports whether name is usable as a region name.
// Config validation calls this before any resource is acquired.
func ValidateName(name string) error {
	_, err := normalizeName(name)
	return err
}
