package rpcpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EndpointPool holds all endpoints for one chain and elects a single
// "poll" endpoint by highest priority among the live set.
//
// Invariant: poll == argmax_{e in live} e.Config.PollPriority whenever
// live is non-empty, else poll == nil. Ties resolve to whichever endpoint
// was inserted first.
type EndpointPool struct {
	mu   sync.RWMutex
	live []*Endpoint
	down []*Endpoint
	poll *Endpoint

	pingInterval time.Duration
	log          *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewEndpointPool constructs a pool with every endpoint starting down,
// per spec §4.6 ("On start: construct all endpoints in down").
func NewEndpointPool(endpoints []*Endpoint, pingInterval time.Duration, log *zap.Logger) *EndpointPool {
	if pingInterval <= 0 {
		pingInterval = 2 * time.Second
	}
	down := make([]*Endpoint, len(endpoints))
	copy(down, endpoints)
	return &EndpointPool{
		down:         down,
		pingInterval: pingInterval,
		log:          log,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// PollEndpoint returns the current pick, or nil if no endpoint is live.
func (p *EndpointPool) PollEndpoint() *Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.poll
}

// MarkDown moves e from live to down. If e was the poll endpoint, the pool
// re-elects the highest-priority remaining live endpoint, or clears poll.
func (p *EndpointPool) MarkDown(e *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markDownLocked(e)
}

func (p *EndpointPool) markDownLocked(e *Endpoint) {
	idx := -1
	for i, live := range p.live {
		if live == e {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	p.live = append(p.live[:idx], p.live[idx+1:]...)
	p.down = append(p.down, e)

	if p.poll == e {
		p.poll = electHighestPriority(p.live)
		if p.log != nil {
			if p.poll != nil {
				p.log.Info("poll endpoint switched after markdown", zap.String("new_poll", p.poll.String()))
			} else {
				p.log.Error("no RPC connections available")
			}
		}
	}
	if p.log != nil {
		p.log.Info("endpoint marked down", zap.String("endpoint", e.String()))
	}
}

func electHighestPriority(live []*Endpoint) *Endpoint {
	var best *Endpoint
	for _, e := range live {
		if best == nil || e.Config.PollPriority > best.Config.PollPriority {
			best = e
		}
	}
	return best
}

// Start launches the probe loop: every pingInterval, each down endpoint is
// pinged with getInfo; successes are promoted to live, and poll is set or
// upgraded (never downgraded) per the priority-upgrade policy.
func (p *EndpointPool) Start(ctx context.Context) {
	go p.probeLoop(ctx)
}

func (p *EndpointPool) probeLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *EndpointPool) probeOnce(ctx context.Context) {
	p.mu.RLock()
	candidates := make([]*Endpoint, len(p.down))
	copy(candidates, p.down)
	p.mu.RUnlock()

	for _, e := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := e.GetInfo(probeCtx)
		cancel()
		if err != nil {
			// Probe failures never raise; logged and state unchanged.
			if p.log != nil {
				p.log.Warn("probe failed", zap.String("endpoint", e.String()), zap.Error(err))
			}
			continue
		}
		p.promote(e)
	}
}

func (p *EndpointPool) promote(e *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, d := range p.down {
		if d == e {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	p.down = append(p.down[:idx], p.down[idx+1:]...)
	p.live = append(p.live, e)

	if p.log != nil {
		p.log.Info("endpoint live", zap.String("endpoint", e.String()))
	}

	switch {
	case p.poll == nil:
		p.poll = e
		if p.log != nil {
			p.log.Info("poll endpoint elected", zap.String("endpoint", e.String()))
		}
	case e.Config.PollPriority > p.poll.Config.PollPriority:
		if p.log != nil {
			p.log.Info("poll endpoint upgraded", zap.String("from", p.poll.String()), zap.String("to", e.String()))
		}
		p.poll = e
	}
}

// Stop halts the probe loop and waits for it to exit.
func (p *EndpointPool) Stop() {
	close(p.stop)
	<-p.done
}
