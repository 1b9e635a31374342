//go:build !linux

package source

import (
	"fmt"
	"runtime"

	"github.com/crosstyan/cv-mmap/internal/config"
)

// newV4L2 is unavailable off Linux; config validation normally
// rejects the api before reaching this point.
func newV4L2(cfg config.Config) (Source, error) {
	return nil, fmt.Errorf("source: v4l2 capture is not available on %s", runtime.GOOS)
}
