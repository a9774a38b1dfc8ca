package connector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldstorehq/coldstore/internal/metrics"
	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// Pool is a fixed-capacity set of connectors to a single host:port, kept
// alive by a background watchdog that reconnects after the replica drops.
type Pool struct {
	addr     string
	capacity int
	period   time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	available chan *Connector
	connected bool

	stop chan struct{}
	done chan struct{}
}

// NewPool dials capacity connectors to addr and starts the watchdog. The
// pool starts disconnected if the initial dial fails; the watchdog will
// keep retrying at period.
func NewPool(addr string, capacity int, period time.Duration, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		addr:     addr,
		capacity: capacity,
		period:   period,
		logger:   logger,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	p.reconnect()

	go p.watchdog()
	return p
}

// reconnect dials `capacity` fresh connectors, replacing any existing pool
// contents. It acquires p.mu itself; callers must not hold it.
func (p *Pool) reconnect() {
	conns := make([]*Connector, 0, p.capacity)
	for i := 0; i < p.capacity; i++ {
		c, err := Dial(p.addr, p.logger)
		if err != nil {
			p.logger.Warn("connector pool: dial failed", zap.String("addr", p.addr), zap.Error(err))
			break
		}
		conns = append(conns, c)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available != nil {
		close(p.available)
		for c := range p.available {
			c.Close()
		}
	}

	p.available = make(chan *Connector, p.capacity)
	for _, c := range conns {
		p.available <- c
	}
	p.connected = len(conns) == p.capacity
	p.setConnectedMetric()
}

func (p *Pool) setConnectedMetric() {
	if p.metrics == nil {
		return
	}
	v := 0.0
	if p.connected {
		v = 1.0
	}
	p.metrics.PoolConnectedGauge.WithLabelValues(p.addr).Set(v)
}

// IsConnected reports the pool's current belief about replica reachability.
func (p *Pool) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Get returns RemoteUnavailable at once if the pool is disconnected;
// otherwise it waits for an available connector, returning ctx.Err() if ctx
// is done first.
func (p *Pool) Get(ctx context.Context) (*Connector, error) {
	p.mu.Lock()
	ch := p.available
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return nil, storeerr.ErrRemoteUnavailable("pool disconnected: " + p.addr)
	}

	select {
	case c, ok := <-ch:
		if !ok {
			return nil, storeerr.ErrRemoteUnavailable("pool disconnected: " + p.addr)
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return puts a connector back into the pool, or disposes it if unhealthy.
func (p *Pool) Return(c *Connector) {
	if !c.IsHealthy() {
		c.Close()
		p.markDisconnected()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case p.available <- c:
	default:
		c.Close()
	}
}

func (p *Pool) markDisconnected() {
	p.mu.Lock()
	p.connected = false
	p.setConnectedMetric()
	p.mu.Unlock()
}

// watchdog runs at p.period: if the pool believes it is connected, it takes
// one connector and pings it; on failure the pool is marked disconnected
// and drained. If disconnected, it attempts one fresh connection+ping; on
// success it reconstructs the full pool.
func (p *Pool) watchdog() {
	defer close(p.done)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	if p.IsConnected() {
		p.mu.Lock()
		ch := p.available
		p.mu.Unlock()

		select {
		case c := <-ch:
			ok := c.Ping()
			p.mu.Lock()
			if ok {
				select {
				case p.available <- c:
				default:
					c.Close()
				}
				p.mu.Unlock()
				return
			}
			c.Close()
			for drained := false; !drained; {
				select {
				case other := <-p.available:
					other.Close()
				default:
					drained = true
				}
			}
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.WatchdogPingFailuresTotal.WithLabelValues(p.addr).Inc()
			}
			p.logger.Warn("connector pool: watchdog ping failed, marking disconnected", zap.String("addr", p.addr))
			p.markDisconnected()
		default:
			// Nothing available to ping; leave the connected belief as-is.
		}
		return
	}

	c, err := Dial(p.addr, p.logger)
	if err != nil {
		return
	}
	if !c.Ping() {
		c.Close()
		return
	}
	c.Close()

	p.logger.Info("connector pool: reconnected", zap.String("addr", p.addr))
	p.reconnect()
}

// Close stops the watchdog and drains the pool.
func (p *Pool) Close() {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available == nil {
		return
	}
	close(p.available)
	for c := range p.available {
		c.Close()
	}
	p.available = nil
}
