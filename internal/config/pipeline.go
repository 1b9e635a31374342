package config

import "fmt"

// PipelineKind tags the resolved pipeline union.
type PipelineKind uint8

const (
	// PipelineNone is the zero value; never produced by a successful
	// resolve.
	PipelineNone PipelineKind = iota
	// PipelineDesc carries a GStreamer launch description.
	PipelineDesc
	// PipelineIndex carries a numeric capture device index
	// (/dev/video<N> on Linux).
	PipelineIndex
)

// PipelineRef is the resolved form of the config's string-or-integer
// pipeline field. Exactly one of Desc/Index is meaningful, selected
// by Kind; code downstream of config never re-inspects dynamic types.
type PipelineRef struct {
	Kind  PipelineKind
	Desc  string
	Index int
}

func (r PipelineRef) String() string {
	switch r.Kind {
	case PipelineDesc:
		return r.Desc
	case PipelineIndex:
		return fmt.Sprintf("device %d", r.Index)
	default:
		return "<unset>"
	}
}

// value returns the union as its raw file representation.
func (r PipelineRef) value() any {
	if r.Kind == PipelineIndex {
		return r.Index
	}
	return r.Desc
}

// resolvePipeline maps the decoded file value onto the tagged union.
// TOML integers arrive as int64, YAML as int; both formats hand
// strings through unchanged. Every other shape (floats, booleans,
// tables, absence) is a config error.
func resolvePipeline(v any) (PipelineRef, error) {
	switch x := v.(type) {
	case nil:
		return PipelineRef{}, fmt.Errorf("pipeline is required")
	case string:
		if x == "" {
			return PipelineRef{}, fmt.Errorf("pipeline description is empty")
		}
		return PipelineRef{Kind: PipelineDesc, Desc: x}, nil
	case int:
		return intRef(int64(x))
	case int64:
		return intRef(x)
	case uint64:
		if x > 1<<31 {
			return PipelineRef{}, fmt.Errorf("pipeline index %d out of range", x)
		}
		return intRef(int64(x))
	default:
		return PipelineRef{}, fmt.Errorf("pipeline must be a string description or an integer index, got %T", v)
	}
}

func intRef(n int64) (PipelineRef, error) {
	if n < 0 {
		return PipelineRef{}, fmt.Errorf("pipeline index %d is negative", n)
	}
	return PipelineRef{Kind: PipelineIndex, Index: int(n)}, nil
}
