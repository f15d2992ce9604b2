package mining

import (
	"context"
	"fmt"
	"time"

	"github.com/ashenpool/poolcore/internal/config"
	"github.com/ashenpool/poolcore/internal/rpcpool"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	auxWorkRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_aux_work_restarts_total",
		Help: "Aux-chain height changes that triggered a job flush/refresh",
	}, []string{"chain"})

	auxNewJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_aux_new_jobs_total",
		Help: "Aux-chain work updates that triggered a job refresh without a height change",
	}, []string{"chain"})
)

func init() {
	prometheus.MustRegister(auxWorkRestarts, auxNewJobs)
}

// AuxMonitor polls one merged-mining chain independently of the primary
// network monitor (spec §4.4). Its chain_id is resolved from the daemon's
// own getauxblock response and used as the MergedWorkEntry key, never a
// pointer back-reference (spec §9).
type AuxMonitor struct {
	name    string
	flush   bool
	interval time.Duration
	endpoint *rpcpool.Endpoint

	manager *JobManager
	logger  *zap.Logger

	chainID      int64
	priorHeight  int64
	triggerCh    chan struct{}
	signal       int
}

// newAuxMonitor constructs an AuxMonitor. Per spec §4.4 "a dedicated list
// of aux RPC endpoints (first-listed is used; fallback is out of scope)".
func newAuxMonitor(cfg config.AuxChainConfig, manager *JobManager) (*AuxMonitor, error) {
	if len(cfg.Coinserv) == 0 {
		return nil, &rpcpool.ConfigError{Field: fmt.Sprintf("merged[%s].coinserv", cfg.Name), Message: "at least one coinserv is required"}
	}
	first := cfg.Coinserv[0]
	endpoint := rpcpool.NewEndpoint(rpcpool.EndpointConfig{
		Host:        first.Address,
		Port:        first.Port,
		Username:    first.Username,
		Password:    first.Password,
		MaxPoolSize: first.MaxSize,
	})

	return &AuxMonitor{
		name:      cfg.Name,
		flush:     cfg.Flush,
		interval:  cfg.WorkInterval,
		endpoint:  endpoint,
		manager:   manager,
		logger:    manager.logger.Named("aux").With(zap.String("chain", cfg.Name)),
		triggerCh: make(chan struct{}, 1),
		signal:    cfg.Signal,
	}, nil
}

// TriggerRefresh requests an out-of-schedule update. Signals are
// coalesced: if two arrive before the first completes, only one refresh
// follows (spec §4.4).
func (am *AuxMonitor) TriggerRefresh() {
	select {
	case am.triggerCh <- struct{}{}:
	default:
	}
}

func (am *AuxMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(am.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.update(ctx)
		case <-am.triggerCh:
			am.update(ctx)
		}
	}
}

// update implements the per-tick body of spec §4.4's main loop.
func (am *AuxMonitor) update(ctx context.Context) {
	// Guard: aux work is useless without a primary template.
	if am.manager.pool.PollEndpoint() == nil {
		time.Sleep(time.Second)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	block, err := am.endpoint.GetAuxBlock(callCtx)
	cancel()
	if err != nil {
		am.logger.Warn("getauxblock failed", zap.Error(err))
		time.Sleep(2 * time.Second)
		return
	}

	if am.chainID == 0 {
		am.chainID = block.ChainID
	}

	newEntry := MergedWorkEntry{ChainID: am.chainID, Hash: block.Hash, Target: block.Target}

	am.manager.mergedWorkMu.Lock()
	current, ok := am.manager.mergedWork[am.chainID]
	am.manager.mergedWorkMu.Unlock()

	if ok && current.Equal(newEntry) {
		// Aux no-op (spec §8 Laws): no job generated, no event emitted.
		return
	}

	heightCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	height, err := am.endpoint.GetBlockCount(heightCtx)
	cancel()
	if err != nil {
		am.logger.Warn("getblockcount failed on aux endpoint", zap.Error(err))
		time.Sleep(2 * time.Second)
		return
	}

	am.manager.mergedWorkMu.Lock()
	am.manager.mergedWork[am.chainID] = newEntry
	am.manager.mergedWorkMu.Unlock()

	if height != am.priorHeight {
		am.priorHeight = height
		auxWorkRestarts.WithLabelValues(am.name).Inc()
		am.manager.requestRefresh(RefreshRequest{Source: am.name, Push: true, Flush: am.flush})
	} else {
		auxNewJobs.WithLabelValues(am.name).Inc()
		am.manager.requestRefresh(RefreshRequest{Source: am.name, Push: false, Flush: false})
	}
}
