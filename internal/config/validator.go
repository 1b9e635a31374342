package config

import (
	"fmt"
	"math"
	"net/url"

	"github.com/crosstyan/cv-mmap/internal/shm"
)

// API selects the capture backend.
type API string

const (
	// APIAny lets the pipeline kind decide: a description goes to
	// GStreamer, an index to V4L2.
	APIAny          API = "any"
	APIV4L          API = "v4l"
	APIV4L2         API = "v4l2"
	APIGStreamer    API = "gstreamer"
	APIDShow        API = "dshow"
	APIAVFoundation API = "avfoundation"
	APIFFmpeg       API = "ffmpeg"
	// APISynthetic is the in-process test pattern generator.
	APISynthetic API = "synthetic"
)

// apis maps config spellings to their build support. dshow and
// avfoundation exist for config compatibility with deployments on
// other platforms; this build rejects them up front.
var apis = map[API]bool{
	APIAny:          true,
	APIV4L:          true,
	APIV4L2:         true,
	APIGStreamer:    true,
	APIDShow:        false,
	APIAVFoundation: false,
	APIFFmpeg:       true,
	APISynthetic:    true,
}

// ParseAPI maps a config string onto the backend enum.
func ParseAPI(s string) (API, error) {
	api := API(s)
	if _, ok := apis[api]; !ok {
		return "", fmt.Errorf("invalid api key %q", s)
	}
	return api, nil
}

// Synthetic defaults, applied by Validate when the generator is
// selected without explicit geometry or pacing.
const (
	defaultSynthWidth  = 640
	defaultSynthHeight = 480
	defaultSynthFPS    = 30
)

// Validate checks cfg and applies backend-specific defaults in place.
// A nil error means the configuration is safe to start from: names,
// addresses and the api/pipeline pairing have all been checked before
// any resource is acquired.
func Validate(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := shm.ValidateName(cfg.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}

	if cfg.API == "" {
		return fmt.Errorf("api is required")
	}
	api, err := ParseAPI(cfg.API)
	if err != nil {
		return err
	}
	if !apis[api] {
		return fmt.Errorf("capture api %q is not supported by this build", api)
	}

	switch api {
	case APIV4L, APIV4L2:
		if cfg.Ref.Kind != PipelineIndex {
			return fmt.Errorf("api %q needs an integer device index, got a pipeline description", api)
		}
	case APIGStreamer, APIFFmpeg:
		if cfg.Ref.Kind != PipelineDesc {
			return fmt.Errorf("api %q needs a pipeline description, got a device index", api)
		}
	}

	if cfg.ZMQAddress == "" {
		return fmt.Errorf("zmq_address is required")
	}
	if err := validateAddress(cfg.ZMQAddress); err != nil {
		return err
	}
	for _, addr := range cfg.ExtraAddresses {
		if err := validateAddress(addr); err != nil {
			return err
		}
	}

	if cfg.Width < 0 || cfg.Height < 0 {
		return fmt.Errorf("width/height must not be negative")
	}
	if cfg.Width > math.MaxUint16 || cfg.Height > math.MaxUint16 {
		return fmt.Errorf("width/height exceed %d", math.MaxUint16)
	}
	if cfg.FPS < 0 {
		return fmt.Errorf("fps must not be negative")
	}
	if cfg.StatsIntervalS < 0 {
		return fmt.Errorf("stats_interval_s must not be negative")
	}

	if api == APISynthetic {
		if cfg.Width == 0 {
			cfg.Width = defaultSynthWidth
		}
		if cfg.Height == 0 {
			cfg.Height = defaultSynthHeight
		}
		if cfg.FPS == 0 {
			cfg.FPS = defaultSynthFPS
		}
	}

	return nil
}

// validateAddress checks the announce address form only. Whether the
// scheme maps onto a binding is the announcer constructor's call.
func validateAddress(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("address %q has no scheme (want e.g. ipc:// or tcp://)", addr)
	}
	if u.Host == "" && u.Path == "" && u.Opaque == "" {
		return fmt.Errorf("address %q has no target", addr)
	}
	return nil
}
