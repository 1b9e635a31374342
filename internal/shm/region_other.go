//go:build !linux

package shm

import (
	"fmt"
	"runtime"
)

// Region is a named shared-memory object. Only the Linux
// implementation is provided; this stub keeps dependents compiling on
// other platforms.
type Region struct {
	name string
	size int
}

func errPlatform() error {
	return fmt.Errorf("%w: %s", ErrUnsupported, runtime.GOOS)
}

// Create is unavailable on this platform.
func Create(name string) (*Region, error) {
	if _, err := normalizeName(name); err != nil {
		return nil, err
	}
	return nil, errPlatform()
}

// OpenRead is unavailable on this platform.
func OpenRead(name string, size int) (*Region, error) {
	if _, err := normalizeName(name); err != nil {
		return nil, err
	}
	return nil, errPlatform()
}

func (r *Region) SizeAndMap(size int) error  { return errPlatform() }
func (r *Region) Write(buf []byte) error     { return errPlatform() }
func (r *Region) Bytes() ([]byte, error)     { return nil, errPlatform() }
func (r *Region) Name() string               { return r.name }
func (r *Region) Size() int                  { return r.size }
func (r *Region) Close() error               { return nil }
