// Package config loads and validates the producer configuration.
//
// Two on-disk formats are accepted, picked by file extension: TOML
// (what --default writes and deployments usually carry) and YAML.
// Keys are identical in both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPipeline is the out-of-the-box GStreamer description: a test
// pattern with a timestamp overlay, converted to packed BGR for the
// appsink. The appsink carries the name the capture backend looks for
// first.
const DefaultPipeline = "videotestsrc ! timeoverlay ! videoconvert ! video/x-raw,format=BGR ! appsink name=opencvsink"

// Config is the complete producer configuration.
type Config struct {
	// Name of the shared-memory region (shm_open / shm_unlink key).
	Name string `toml:"name" yaml:"name"`
	// Pipeline is the raw union value from the file: a GStreamer
	// launch description (string) or a capture device index
	// (integer). Load resolves it into Ref exactly once; everything
	// downstream switches on Ref.Kind.
	Pipeline any `toml:"pipeline" yaml:"pipeline"`
	// API is the capture backend preference (see ParseAPI).
	API string `toml:"api" yaml:"api"`
	// ZMQAddress is the announce channel address, e.g. ipc:///tmp/0
	// or tcp://127.0.0.1:5555. Scheme prefixes select the binding.
	ZMQAddress string `toml:"zmq_address" yaml:"zmq_address"`
	// ExtraAddresses fan the announcement out to more channels.
	ExtraAddresses []string `toml:"extra_addresses,omitempty" yaml:"extra_addresses,omitempty"`
	// IsLoop restarts finite sources from position zero instead of
	// stopping. Meaningless for live sources.
	IsLoop bool `toml:"is_loop" yaml:"is_loop"`

	// Width, Height, FPS and FrameCount shape the synthetic backend
	// and override pacing for finite sources that misreport. Zero
	// means "the source decides".
	Width      int     `toml:"width,omitempty" yaml:"width,omitempty"`
	Height     int     `toml:"height,omitempty" yaml:"height,omitempty"`
	FPS        float64 `toml:"fps,omitempty" yaml:"fps,omitempty"`
	FrameCount uint    `toml:"frame_count,omitempty" yaml:"frame_count,omitempty"`

	// StatsIntervalS is the period of the stats log line in seconds;
	// 0 disables it.
	StatsIntervalS int `toml:"stats_interval_s,omitempty" yaml:"stats_interval_s,omitempty"`

	// Ref is the resolved pipeline union.
	Ref PipelineRef `toml:"-" yaml:"-"`
}

// Default returns the configuration the producer ships with: test
// pattern over GStreamer, announced on a local ipc socket.
func Default() Config {
	return Config{
		Name:           "default",
		Pipeline:       DefaultPipeline,
		API:            "gstreamer",
		ZMQAddress:     "ipc:///tmp/0",
		IsLoop:         false,
		StatsIntervalS: 30,
		Ref:            PipelineRef{Kind: PipelineDesc, Desc: DefaultPipeline},
	}
}

// Load reads, decodes, resolves and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode unmarshals data in the format implied by ext (".toml",
// ".yaml" or ".yml"), resolves the pipeline union and validates.
func Decode(data []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q (want .toml, .yaml or .yml)", ext)
	}

	ref, err := resolvePipeline(cfg.Pipeline)
	if err != nil {
		return Config{}, err
	}
	cfg.Ref = ref

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteTOML serializes cfg for --default to seed a fresh deployment.
func (c Config) WriteTOML(path string) error {
	c.Pipeline = c.Ref.value()
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
