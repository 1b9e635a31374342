// Package announce delivers frame sync notifications to consumers.
//
// A sync message tells a consumer "a new frame is in the region". The
// pixels travel through shared memory, so the notification itself is a
// fixed 14-byte record and delivery is best effort: announcers never
// treat a failed delivery as fatal and never block the capture loop on
// a slow or absent consumer.
package announce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crosstyan/cv-mmap/internal/wire"
)

// ErrClosed is returned by Announce after Close.
var ErrClosed = errors.New("announce: closed")

// Announcer delivers one sync message per published frame. Failures
// are returned for accounting; callers log and move on.
type Announcer interface {
	Announce(msg wire.SyncMessage) error
	Close() error
}

var (
	_ Announcer = (*Pub)(nil)
	_ Announcer = (*Push)(nil)
	_ Announcer = (*MQTT)(nil)
	_ Announcer = (*Multi)(nil)
)

// New builds an announcer for endpoint based on its scheme:
//
//	tcp://  ipc://  inproc://     ZeroMQ PUB, multipart [magic, payload]
//	push+tcp://  push+ipc://      ZeroMQ PUSH, bare payload
//	mqtt://host:port/topic        MQTT publish, QoS 0
//
// PUB and PUSH sockets bind; consumers connect to them.
func New(ctx context.Context, endpoint string) (Announcer, error) {
	parts := strings.SplitN(endpoint, "://", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("announce: endpoint %q has no scheme", endpoint)
	}
	switch parts[0] {
	case "tcp", "ipc", "inproc":
		return NewPub(ctx, endpoint)
	case "push+tcp", "push+ipc", "push+inproc":
		return NewPush(ctx, strings.TrimPrefix(endpoint, "push+"))
	case "mqtt":
		return NewMQTT(ctx, endpoint)
	default:
		return nil, fmt.Errorf("announce: unsupported scheme %q", parts[0])
	}
}

// NewMulti builds one announcer per endpoint and fans Announce out to
// all of them. A single endpoint is returned unwrapped. Construction
// is all-or-nothing: on failure every already-built announcer is
// closed.
func NewMulti(ctx context.Context, endpoints []string) (Announcer, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("announce: no endpoints")
	}
	if len(endpoints) == 1 {
		return New(ctx, endpoints[0])
	}
	m := &Multi{targets: make([]Announcer, 0, len(endpoints))}
	for _, ep := range endpoints {
		a, err := New(ctx, ep)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.targets = append(m.targets, a)
	}
	return m, nil
}

// MultiOf wraps already-built announcers into one fan-out target.
func MultiOf(targets ...Announcer) *Multi {
	return &Multi{targets: targets}
}

// Multi fans a sync message out to several announcers. Every target is
// attempted on every call; the first error is returned after the full
// pass.
type Multi struct {
	targets []Announcer
}

func (m *Multi) Announce(msg wire.SyncMessage) error {
	var first error
	for _, a := range m.targets {
		if err := a.Announce(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Multi) Close() error {
	var first error
	for _, a := range m.targets {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.targets = nil
	return first
}
