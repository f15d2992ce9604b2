package mining

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashenpool/poolcore/internal/chain"
	"github.com/ashenpool/poolcore/internal/config"
	"github.com/ashenpool/poolcore/internal/rpcpool"
	"github.com/ashenpool/poolcore/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// EventSink is the minimal capability interface each mining client must
// satisfy to receive work-change notifications (spec §9: "a minimal
// capability interface with two methods; failure to satisfy the interface
// is a compile-time error"). There is no silent attribute-error tolerance:
// a type either implements EventSink or it cannot be registered.
type EventSink interface {
	SignalNewWork()
	SignalNewBlock()
}

// RefreshRequest is the message spec §9 recommends serializing job
// generation through: "a single consumer fed by a channel... removes the
// need for locks on the JobTable."
type RefreshRequest struct {
	Source   string // "network" or an aux chain name, for logging
	Push     bool
	Flush    bool
	NewBlock bool
}

// JobManager owns the EndpointPool, the AuxMonitors, the merged-work map,
// the JobTable, and NetworkStats (spec §3 "Ownership"). It is the single
// consumer of RefreshRequest messages and the sole writer of the JobTable.
type JobManager struct {
	cfg    config.MiningConfig
	logger *zap.Logger
	redis  *storage.RedisClient

	pool       *rpcpool.EndpointPool
	auxMonitor []*AuxMonitor

	poolScript      []byte
	donateScript    []byte
	donationPercent float64

	mergedWorkMu sync.Mutex
	mergedWork   map[int64]MergedWorkEntry

	table atomic.Pointer[JobTableSnapshot]

	jobCounter  uint32
	extranonce1 uint32

	netStats atomic.Pointer[NetworkStats]

	sinksMu sync.RWMutex
	sinks   map[EventSink]struct{}

	refreshCh chan RefreshRequest

	template    *rpcpool.Template
	templateMu  sync.Mutex

	refreshCounter int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobManager constructs the job manager. All collections are allocated
// before any goroutine is spawned (spec §9 Open Question 3: initialize
// collections before first use).
func NewJobManager(cfg config.MiningConfig, logger *zap.Logger, redis *storage.RedisClient) (*JobManager, error) {
	jm := &JobManager{
		cfg:        cfg,
		logger:     logger.Named("job"),
		redis:      redis,
		mergedWork: make(map[int64]MergedWorkEntry),
		sinks:      make(map[EventSink]struct{}),
		refreshCh:  make(chan RefreshRequest, 32),
	}
	jm.table.Store(&JobTableSnapshot{Table: make(map[string]*Job)})
	jm.netStats.Store(&NetworkStats{})

	var seed [4]byte
	rand.Read(seed[:])
	jm.extranonce1 = binary.BigEndian.Uint32(seed[:])

	poolAddr, err := config.ValidateAddress(cfg.PoolAddress, cfg.Network)
	if err != nil {
		return nil, err
	}
	jm.poolScript, err = chain.ScriptForAddress(poolAddr)
	if err != nil {
		return nil, err
	}

	donateAddr, err := config.ValidateAddress(cfg.DonateAddress, cfg.Network)
	if err != nil {
		return nil, err
	}
	jm.donateScript, err = chain.ScriptForAddress(donateAddr)
	if err != nil {
		return nil, err
	}
	jm.donationPercent = cfg.DonationPercent

	endpoints := make([]*rpcpool.Endpoint, 0, len(cfg.MainCoinservs))
	for _, cs := range cfg.MainCoinservs {
		endpoints = append(endpoints, rpcpool.NewEndpoint(rpcpool.EndpointConfig{
			Host:         cs.Address,
			Port:         cs.Port,
			Username:     cs.Username,
			Password:     cs.Password,
			PollPriority: cs.PollPriority,
			MaxPoolSize:  cs.MaxSize,
		}))
	}
	jm.pool = rpcpool.NewEndpointPool(endpoints, cfg.RPCPingInt, jm.logger.Named("endpoints"))

	for _, auxCfg := range cfg.Merged {
		if !auxCfg.Enabled {
			continue
		}
		am, err := newAuxMonitor(auxCfg, jm)
		if err != nil {
			return nil, err
		}
		jm.auxMonitor = append(jm.auxMonitor, am)
	}

	return jm, nil
}

// Start launches the EndpointPool probe, the NetworkMonitor, the JobBuilder
// consumer, and every AuxMonitor (spec §4.6 "On start").
func (jm *JobManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	jm.cancel = cancel

	jm.pool.Start(ctx)

	jm.wg.Add(1)
	go jm.builderLoop(ctx)

	jm.wg.Add(1)
	go jm.networkMonitorLoop(ctx)

	for _, am := range jm.auxMonitor {
		jm.wg.Add(1)
		go func(am *AuxMonitor) {
			defer jm.wg.Done()
			am.run(ctx)
		}(am)
	}
}

// Stop stops the EndpointPool probe, then cancels the NetworkMonitor, the
// JobBuilder consumer and every AuxMonitor together, and waits at most
// term_timeout for them to exit. The AuxMonitors are not stopped ahead of
// the NetworkMonitor. Calls after the first are no-ops.
func (jm *JobManager) Stop() {
	if jm.cancel == nil {
		return
	}
	cancel := jm.cancel
	jm.cancel = nil
	jm.pool.Stop()

	done := make(chan struct{})
	go func() {
		jm.wg.Wait()
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(jm.cfg.TermTimeout):
		jm.logger.Warn("term_timeout exceeded waiting for job manager loops to exit")
	}
}

// AuxSignals returns, for each merged-mining chain configured with a
// nonzero signal number, that number paired with the function to call when
// the process receives it (spec §8 "OS-signal-triggered aux refresh").
func (jm *JobManager) AuxSignals() map[int]func() {
	handlers := make(map[int]func())
	for _, am := range jm.auxMonitor {
		if am.signal == 0 {
			continue
		}
		handlers[am.signal] = am.TriggerRefresh
	}
	return handlers
}

// RegisterSink adds an EventSink to the fan-out set.
func (jm *JobManager) RegisterSink(s EventSink) {
	jm.sinksMu.Lock()
	defer jm.sinksMu.Unlock()
	jm.sinks[s] = struct{}{}
}

// UnregisterSink removes an EventSink, e.g. on client disconnect.
func (jm *JobManager) UnregisterSink(s EventSink) {
	jm.sinksMu.Lock()
	defer jm.sinksMu.Unlock()
	delete(jm.sinks, s)
}

func (jm *JobManager) fanOut(signalBlock bool) {
	jm.sinksMu.RLock()
	sinks := make([]EventSink, 0, len(jm.sinks))
	for s := range jm.sinks {
		sinks = append(sinks, s)
	}
	jm.sinksMu.RUnlock()

	for _, s := range sinks {
		jm.signalOne(s, signalBlock)
	}
}

// signalOne isolates a single sink's failure from the rest of the fan-out
// (spec §4.5: "Installation failures on per-client signals must be
// isolated").
func (jm *JobManager) signalOne(s EventSink, signalBlock bool) {
	defer func() {
		if r := recover(); r != nil {
			jm.logger.Warn("event sink panicked, isolating", zap.Any("recover", r))
		}
	}()
	if signalBlock {
		s.SignalNewBlock()
	} else {
		s.SignalNewWork()
	}
}

// GenerateExtranonce1 generates a unique extranonce1 for a connection.
func (jm *JobManager) GenerateExtranonce1() string {
	value := atomic.AddUint32(&jm.extranonce1, 1)
	size := jm.cfg.Extranonce1Size
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(value >> (8 * (size - 1 - i)))
	}
	return hex.EncodeToString(buf)
}

// GetExtranonce2Size returns the size of extranonce2.
func (jm *JobManager) GetExtranonce2Size() int {
	return jm.cfg.Extranonce2Size
}

// GetCurrentJob returns the most recently installed job, or nil if the
// table is empty (spec invariant 3: latest_job_id == nil iff table empty).
func (jm *JobManager) GetCurrentJob() *Job {
	snap := jm.table.Load()
	if snap.LatestJobID == "" {
		return nil
	}
	return snap.Table[snap.LatestJobID]
}

// GetJob returns a job by id.
func (jm *JobManager) GetJob(id string) *Job {
	return jm.table.Load().Table[id]
}

// IsJobStale reports whether id is old enough that shares against it
// should no longer be accepted.
func (jm *JobManager) IsJobStale(id string) bool {
	job := jm.GetJob(id)
	if job == nil {
		return true
	}
	if time.Since(job.CreatedAt) > jm.cfg.JobTimeout {
		return true
	}
	return false
}

// NetworkStats returns a read of the current network stats snapshot.
func (jm *JobManager) NetworkStats() NetworkStats {
	return *jm.netStats.Load()
}

// requestRefresh enqueues a RefreshRequest for the builder loop, matching
// the channel-serialized design in spec §9.
func (jm *JobManager) requestRefresh(req RefreshRequest) {
	select {
	case jm.refreshCh <- req:
	default:
		jm.logger.Warn("refresh queue full, dropping request", zap.String("source", req.Source))
	}
}

func (jm *JobManager) builderLoop(ctx context.Context) {
	defer jm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-jm.refreshCh:
			jm.generate(req)
		}
	}
}

// networkMonitorLoop is the NetworkMonitor (spec §4.3): polls height at
// block_poll cadence, refreshes the template on new block or on the
// job_generate_int counter.
func (jm *JobManager) networkMonitorLoop(ctx context.Context) {
	defer jm.wg.Done()

	ticker := time.NewTicker(jm.cfg.BlockPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.networkMonitorTick(ctx)
		}
	}
}

func (jm *JobManager) networkMonitorTick(ctx context.Context) {
	poll := jm.pool.PollEndpoint()
	if poll == nil {
		time.Sleep(time.Second)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	height, err := poll.GetBlockCount(callCtx)
	cancel()
	if err != nil {
		jm.logger.Warn("getblockcount failed", zap.Error(err))
		jm.pool.MarkDown(poll)
		return
	}

	stats := jm.NetworkStats()
	newBlock := height != stats.Height
	if newBlock {
		stats.Height = height
		jm.netStats.Store(&stats)
		jm.refreshCounter = 0
		jm.refreshTemplate(ctx, poll, true)
		return
	}

	jm.refreshCounter++
	if jm.refreshCounter >= jm.cfg.JobGenerateInt {
		jm.refreshCounter = 0
		jm.refreshTemplate(ctx, poll, false)
	}
}

// refreshTemplate implements spec §4.3 "Template refresh": fetch, compare
// to the cached template, regenerate only when new_block or dirty.
func (jm *JobManager) refreshTemplate(ctx context.Context, poll *rpcpool.Endpoint, newBlock bool) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	tmpl, err := poll.GetBlockTemplate(callCtx, rpcpool.GetBlockTemplateCapabilities())
	cancel()
	if err != nil {
		jm.logger.Warn("getblocktemplate failed", zap.Error(err))
		jm.pool.MarkDown(poll)
		return
	}

	jm.templateMu.Lock()
	dirty := !tmpl.Equal(jm.template)
	jm.template = tmpl
	jm.templateMu.Unlock()

	if !newBlock && !dirty {
		return
	}

	jm.requestRefresh(RefreshRequest{Source: "network", Push: true, Flush: newBlock, NewBlock: newBlock})
}

func (jm *JobManager) currentTemplate() *rpcpool.Template {
	jm.templateMu.Lock()
	defer jm.templateMu.Unlock()
	return jm.template
}

// generate is the JobBuilder (spec §4.5): pure-ish function of the cached
// template, the merged-work snapshot, and the job counter, run exclusively
// on the single builder-loop goroutine so the JobTable needs no separate
// lock (spec §5, §9).
func (jm *JobManager) generate(req RefreshRequest) {
	tmpl := jm.currentTemplate()
	if tmpl == nil {
		// AuxMonitors may call before the primary loop has seeded a
		// template (spec §4.5 Preconditions); return silently.
		return
	}

	jm.mergedWorkMu.Lock()
	workSnapshot := make(map[int64]MergedWorkEntry, len(jm.mergedWork))
	for k, v := range jm.mergedWork {
		workSnapshot[k] = v
	}
	jm.mergedWorkMu.Unlock()

	auxRoot, treeSize, _, mergedLater := buildAuxData(workSnapshot)

	id := jm.nextJobID()

	cb, err := chain.BuildCoinbase(chain.CoinbaseParams{
		Height:             tmpl.Height,
		CoinbaseValue:      tmpl.CoinbaseValue,
		PoolScript:         jm.poolScript,
		DonateScript:       jm.donateScript,
		DonationPercent:    jm.donationPercent,
		ExtranonceSize:     jm.cfg.Extranonce2Size,
		ExtranonceServSize: jm.cfg.Extranonce1Size,
		AuxRoot:            auxRoot,
		AuxTreeSize:        treeSize,
	})
	if err != nil {
		jm.logger.Error("coinbase construction failed", zap.Error(err))
		return
	}
	prefix, suffix := cb.Split()

	merkleLink := buildMerkleLinkHex(tmpl.Transactions)

	job := &Job{
		ID:                fmt.Sprintf("%08x", id),
		Height:            tmpl.Height,
		CoinbasePrefix:    hex.EncodeToString(prefix),
		CoinbaseSuffix:    hex.EncodeToString(suffix),
		MerkleLink:        merkleLink,
		Transactions:      tmpl.Transactions,
		MergedLater:       mergedLater,
		Bits:              tmpl.Bits,
		PrevHash:          tmpl.PreviousBlockHash,
		Version:           fmt.Sprintf("%08x", uint32(tmpl.Version)),
		CurTime:           uint32(tmpl.CurTime),
		MinTime:           tmpl.MinTime,
		Target:            tmpl.Target,
		NetworkDifficulty: jm.NetworkStats().Difficulty,
		CleanJobs:         req.Push && req.Flush,
		CreatedAt:         time.Now(),
	}

	jm.install(job, req.Push, req.Flush)

	if req.NewBlock {
		stats := jm.NetworkStats()
		stats.Difficulty = difficultyFromBits(tmpl.Bits)
		stats.Subsidy = tmpl.CoinbaseValue
		jm.netStats.Store(&stats)
	}

	jobsGenerated.Inc()
	currentBlockHeight.Set(float64(tmpl.Height))
}

// install applies the publication policy of spec §4.5.
func (jm *JobManager) install(job *Job, push, flush bool) {
	prev := jm.table.Load()

	var next JobTableSnapshot
	if flush {
		next.Table = map[string]*Job{job.ID: job}
	} else {
		next.Table = make(map[string]*Job, len(prev.Table)+1)
		for k, v := range prev.Table {
			next.Table[k] = v
		}
		next.Table[job.ID] = job
	}
	next.LatestJobID = job.ID
	jm.table.Store(&next)

	switch {
	case push && flush:
		jm.logger.Info("new block, job table flushed", zap.String("job_id", job.ID), zap.Int64("height", job.Height))
		jm.fanOut(true)
	case push && !flush:
		jm.logger.Info("new job installed", zap.String("job_id", job.ID))
		jm.fanOut(false)
	default:
		jm.logger.Debug("job installed without notification", zap.String("job_id", job.ID))
	}
}

func (jm *JobManager) nextJobID() uint32 {
	return atomic.AddUint32(&jm.jobCounter, 1)
}

func difficultyFromBits(bitsHex string) float64 {
	bits, err := hex.DecodeString(bitsHex)
	if err != nil || len(bits) != 4 {
		return 0
	}
	compact := binary.BigEndian.Uint32(bits)
	return compactToDifficulty(compact)
}
