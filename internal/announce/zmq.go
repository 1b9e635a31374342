package announce

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/crosstyan/cv-mmap/internal/wire"
)

const senderDrainWait = 3 * time.Second

// Pub broadcasts sync messages on a bound ZeroMQ PUB socket. Each
// message is multipart: one magic byte consumers subscribe on, then
// the payload. Sends to a PUB socket with no subscribers are no-ops,
// so the capture loop is never held up by a missing consumer.
type Pub struct {
	endpoint string
	sock     zmq4.Socket

	mu     sync.Mutex
	closed bool
}

// NewPub binds a PUB socket on a tcp, ipc or inproc endpoint.
func NewPub(ctx context.Context, endpoint string) (*Pub, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("pub bind %s: %w", endpoint, err)
	}
	slog.Info("sync publisher bound", "socket", "pub", "endpoint", endpoint)
	return &Pub{endpoint: endpoint, sock: sock}, nil
}

// Addr returns the bound listener address. For tcp endpoints bound to
// port 0 this carries the effective port.
func (p *Pub) Addr() net.Addr { return p.sock.Addr() }

func (p *Pub) Announce(msg wire.SyncMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.sock.Send(zmq4.NewMsgFrom([]byte{wire.TopicMagic}, payload)); err != nil {
		return fmt.Errorf("pub send: %w", err)
	}
	return nil
}

func (p *Pub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.sock.Close(); err != nil {
		return fmt.Errorf("pub close: %w", err)
	}
	return nil
}

// Push serves legacy PULL consumers on a bound ZeroMQ PUSH socket,
// payload only, no topic frame.
//
// A PUSH socket blocks its sender until a puller is attached, which
// must never stall frame capture. Announce therefore only drops the
// message into a single-slot outbox, overwriting any sync the sender
// goroutine has not picked up yet; a late-attaching puller starts at
// the newest sync rather than a backlog.
type Push struct {
	endpoint string
	sock     zmq4.Socket

	inbox chan wire.SyncMessage
	stop  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	dropped uint64
}

// NewPush binds a PUSH socket on a tcp, ipc or inproc endpoint.
func NewPush(ctx context.Context, endpoint string) (*Push, error) {
	sock := zmq4.NewPush(ctx)
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("push bind %s: %w", endpoint, err)
	}
	p := &Push{
		endpoint: endpoint,
		sock:     sock,
		inbox:    make(chan wire.SyncMessage, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.sender()
	slog.Info("sync publisher bound", "socket", "push", "endpoint", endpoint)
	return p, nil
}

// Addr returns the bound listener address.
func (p *Push) Addr() net.Addr { return p.sock.Addr() }

func (p *Push) Announce(msg wire.SyncMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.inbox <- msg:
	default:
		select {
		case <-p.inbox:
			atomic.AddUint64(&p.dropped, 1)
		default:
		}
		select {
		case p.inbox <- msg:
		default:
		}
	}
	return nil
}

// Dropped reports how many syncs were overwritten in the outbox before
// any puller took them.
func (p *Push) Dropped() uint64 { return atomic.LoadUint64(&p.dropped) }

func (p *Push) sender() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case msg := <-p.inbox:
			payload, err := msg.MarshalBinary()
			if err != nil {
				slog.Warn("push sync marshal failed", "seq", msg.Seq, "error", err)
				continue
			}
			if err := p.sock.Send(zmq4.NewMsg(payload)); err != nil {
				select {
				case <-p.stop:
					return
				default:
				}
				slog.Warn("push sync send failed", "seq", msg.Seq, "error", err)
			}
		}
	}
}

func (p *Push) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	// Closing the socket unblocks a sender stuck waiting for a puller.
	err := p.sock.Close()
	select {
	case <-p.done:
	case <-time.After(senderDrainWait):
		slog.Warn("push sender did not drain in time", "endpoint", p.endpoint)
	}
	if n := p.Dropped(); n > 0 {
		slog.Debug("push announcer closed", "endpoint", p.endpoint, "dropped", n)
	}
	if err != nil {
		return fmt.Errorf("push close: %w", err)
	}
	return nil
}
