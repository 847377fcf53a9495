package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamgarcia4/gmcast/gmcast"
	"github.com/adamgarcia4/gmcast/logger"
	"github.com/adamgarcia4/gmcast/telemetry"
	"github.com/adamgarcia4/gmcast/transport"
)

// DeliverFunc receives user datagrams from the mesh.
type DeliverFunc func(payload []byte, source uuid.UUID)

// Node hosts one GMCast engine. The engine itself is not safe for
// concurrent use; Node confines it to a single event-loop goroutine and
// funnels all external calls through that loop, which also arms the
// reconnect timer from the deadline handle_timers returns.
type Node struct {
	config *Config

	engine *gmcast.Engine
	tnet   *transport.TCPNet
	health *transport.Health

	events  chan gmcast.Event
	cmds    chan func()
	deliver DeliverFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	started bool
}

// New creates a new node with the given configuration
func New(config *Config) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config: config,
		events: make(chan gmcast.Event, 256),
		cmds:   make(chan func(), 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// OnDeliver registers the upward delivery callback. Must be called before
// Start; the callback runs on the event-loop goroutine.
func (n *Node) OnDeliver(fn DeliverFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliver = fn
}

// Start builds the transport, constructs the engine from the config URL,
// opens the listener, and spawns the event loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	n.tnet = transport.NewTCPNet(n.events)

	deliver := n.deliver
	opts := &gmcast.Options{
		Deliver: func(payload []byte, meta gmcast.ProtoUpMeta) {
			telemetry.DatagramsIn.Inc()
			if deliver != nil {
				deliver(payload, meta.Source)
			}
		},
		Logf: func(format string, args ...interface{}) {
			logger.Debugf("[%s] %s", n.config.NodeID, fmt.Sprintf(format, args...))
		},
	}

	eng, err := gmcast.New(n.config.URL(), n.tnet, opts)
	if err != nil {
		n.tnet.Shutdown()
		return fmt.Errorf("failed to create engine: %w", err)
	}
	n.engine = eng

	if err := eng.Connect(); err != nil {
		n.tnet.Shutdown()
		return fmt.Errorf("failed to start listener: %w", err)
	}

	// Seeds past the first are not part of the URL; feed them in before
	// the loop takes ownership of the engine.
	for _, seed := range n.config.Seeds[min(1, len(n.config.Seeds)):] {
		if err := eng.AddPeer(gmcast.TCPScheme + "://" + seed); err != nil {
			logger.Errorf("[%s] seed %s: %v", n.config.NodeID, seed, err)
		}
	}

	if n.config.HealthAddr != "" {
		h, err := transport.NewHealth(n.config.HealthAddr)
		if err != nil {
			_ = eng.Close()
			n.tnet.Shutdown()
			return fmt.Errorf("failed to create health server: %w", err)
		}
		if err := h.Start(); err != nil {
			_ = eng.Close()
			n.tnet.Shutdown()
			return fmt.Errorf("failed to bind health server: %w", err)
		}
		h.SetServing(true)
		n.health = h
	}

	n.started = true
	go n.run()

	logger.Printf("[%s] node started on %s (uuid %s, group %s)",
		n.config.NodeID, eng.ListenAddr(), eng.UUID(), n.config.Group)
	return nil
}

// run is the outer event loop the engine assumes: readiness events,
// funneled commands, and the timer all execute serially here.
func (n *Node) run() {
	defer close(n.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			_ = n.engine.Close()
			n.tnet.Shutdown()
			return
		case ev := <-n.events:
			n.engine.HandleUp(ev.FD, ev.Data)
		case fn := <-n.cmds:
			fn()
		case <-timer.C:
		}

		next := n.engine.HandleTimers()
		telemetry.EstablishedPeers.Set(float64(n.engine.NumEstablished()))

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}
}

// Stop stops the node gracefully
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	health := n.health
	n.mu.Unlock()

	logger.Printf("[%s] stopping node...", n.config.NodeID)

	if health != nil {
		health.SetServing(false)
		if err := health.Stop(); err != nil {
			logger.Errorf("[%s] error stopping health server: %v", n.config.NodeID, err)
		}
	}

	n.cancel()
	<-n.done

	logger.Printf("[%s] node stopped", n.config.NodeID)
	return nil
}

// do runs fn on the event-loop goroutine.
func (n *Node) do(fn func()) error {
	select {
	case n.cmds <- fn:
		return nil
	case <-n.ctx.Done():
		return ErrNotStarted
	}
}

// Send fans one user datagram out to every peer connection.
func (n *Node) Send(payload []byte) error {
	telemetry.DatagramsOut.Inc()
	return n.do(func() {
		n.engine.HandleDown(payload, gmcast.ProtoDownMeta{})
	})
}

// HandleStableView forwards an externally agreed membership view to the
// engine.
func (n *Node) HandleStableView(view gmcast.View) error {
	return n.do(func() {
		n.engine.HandleStableView(view)
	})
}

// Topology returns a snapshot of the engine's current link map, taken on
// the event-loop goroutine.
func (n *Node) Topology() gmcast.LinkMap {
	res := make(chan gmcast.LinkMap, 1)
	if err := n.do(func() { res <- n.engine.Topology() }); err != nil {
		return nil
	}
	select {
	case lm := <-res:
		return lm
	case <-n.ctx.Done():
		return nil
	}
}

// NumPeers reports the number of established peer connections.
func (n *Node) NumPeers() int {
	res := make(chan int, 1)
	if err := n.do(func() { res <- n.engine.NumEstablished() }); err != nil {
		return 0
	}
	select {
	case c := <-res:
		return c
	case <-n.ctx.Done():
		return 0
	}
}

// GetConfig returns the node configuration (for external access)
func (n *Node) GetConfig() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

// UUID returns the node identity; valid after Start.
func (n *Node) UUID() uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.engine == nil {
		return uuid.Nil
	}
	return n.engine.UUID()
}

// ListenAddr returns the canonical mesh listen address; valid after Start.
func (n *Node) ListenAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.engine == nil {
		return ""
	}
	return n.engine.ListenAddr()
}
