package source

import (
	"fmt"
	"strings"

	"github.com/crosstyan/cv-mmap/internal/wire"
)

// formatLayout maps a negotiated video/x-raw format string onto the
// channel count and element kind the wire contract speaks. Only
// packed formats with a flat byte layout are usable; planar or
// subsampled-with-planes formats cannot be described by a plain
// width*height*channels buffer.
func formatLayout(format string) (channels uint8, depth wire.ElemKind, err error) {
	switch format {
	case "BGR", "RGB":
		return 3, wire.U8, nil
	case "BGRx", "RGBx", "xBGR", "xRGB", "BGRA", "RGBA", "ABGR", "ARGB":
		return 4, wire.U8, nil
	case "GRAY8":
		return 1, wire.U8, nil
	case "GRAY16_LE", "GRAY16_BE":
		return 1, wire.U16, nil
	case "YUY2", "UYVY", "YVYU":
		// Packed 4:2:2, two bytes per pixel.
		return 2, wire.U8, nil
	default:
		return 0, 0, fmt.Errorf("unsupported video format %q (convert to BGR in the pipeline)", format)
	}
}

// parseFramerate converts a caps framerate to frames per second.
// GStreamer reports fractions ("30/1", "30000/1001"); a bare integer
// is tolerated.
func parseFramerate(s string) float64 {
	var num, den int
	if _, err := fmt.Sscanf(s, "%d/%d", &num, &den); err == nil && den > 0 {
		return float64(num) / float64(den)
	}
	var fps int
	if _, err := fmt.Sscanf(s, "%d", &fps); err == nil {
		return float64(fps)
	}
	return 0
}

// launchDescription turns the configured description into a full
// gst-launch string. A description containing '!' is already a
// launch chain and passes through untouched. Anything else is
// treated as a media location (how api "ffmpeg" accepts a bare file
// path or URL) and wrapped in a decode chain ending in a BGR
// appsink.
func launchDescription(desc string) string {
	if strings.ContainsRune(desc, '!') {
		return desc
	}
	return fmt.Sprintf(
		"filesrc location=%q ! decodebin ! videoconvert ! video/x-raw,format=BGR ! appsink name=%s",
		desc, appSinkName)
}
