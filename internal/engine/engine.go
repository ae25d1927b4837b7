package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aguerosoft/parksync/internal/pricing"
	"github.com/aguerosoft/parksync/internal/resources"
	"github.com/aguerosoft/parksync/internal/storage"
)

// Engine is the replication core: each tick refreshes the price cache,
// probes the central store, pulls remote changes per resource policy and
// drains the local outbox. One engine per process; ticks never overlap.
type Engine struct {
	local  storage.Store
	remote storage.Store

	localNames  *resources.Resolver
	remoteNames *resources.Resolver
	watermarks  *storage.WatermarkRepo
	outbox      *storage.OutboxRepo
	prices      *pricing.Fetcher
	logger      *slog.Logger

	interval    time.Duration
	pingTimeout time.Duration
	retention   time.Duration

	pullBatchSize   int64
	outboxBatchSize int64
	maxRetries      int
	pushDisabled    bool

	resources []string

	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	ticking   atomic.Bool
	seeded    atomic.Bool

	startedAtUnixNano   int64
	lastTickUnixNano    atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalPulled         atomic.Int64
	totalTicks          atomic.Int64

	mu        sync.Mutex
	online    bool
	onlineSet bool
	lastError string
	pulled    map[string]int64
}

func New(local, remote storage.Store, outbox *storage.OutboxRepo, watermarks *storage.WatermarkRepo, prices *pricing.Fetcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		local:       local,
		remote:      remote,
		localNames:  resources.NewResolver(local),
		remoteNames: resources.NewResolver(remote),
		watermarks:  watermarks,
		outbox:      outbox,
		prices:      prices,
		logger:      logger,

		interval:    30 * time.Second,
		pingTimeout: 5 * time.Second,
		retention:   72 * time.Hour,

		pullBatchSize:   500,
		outboxBatchSize: 200,
		maxRetries:      5,

		triggerCh:         make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
		pulled:            map[string]int64{},
	}
}

func (e *Engine) WithSettings(interval, pingTimeout time.Duration, pullBatch, outboxBatch, maxRetries int, retention time.Duration) *Engine {
	if interval > 0 {
		e.interval = interval
	}
	if pingTimeout > 0 {
		e.pingTimeout = pingTimeout
	}
	if pullBatch > 0 {
		e.pullBatchSize = int64(pullBatch)
	}
	if outboxBatch > 0 {
		e.outboxBatchSize = int64(outboxBatch)
	}
	if maxRetries > 0 {
		e.maxRetries = maxRetries
	}
	if retention > 0 {
		e.retention = retention
	}
	return e
}

// WithResources restricts replication to the given resource names, accepted in
// any historical spelling; denied names win over allowed ones. An empty allow
// list means every known resource.
func (e *Engine) WithResources(allow, deny []string) *Engine {
	denied := map[string]bool{}
	for _, d := range deny {
		denied[resources.Canonicalize(d)] = true
	}

	var names []string
	if len(allow) == 0 {
		names = resources.All()
	} else {
		seen := map[string]bool{}
		for _, a := range allow {
			c := resources.Canonicalize(a)
			if !resources.Known(c) {
				e.logger.Warn("ignoring unknown resource in config", "resource", a)
				continue
			}
			if !seen[c] {
				seen[c] = true
				names = append(names, c)
			}
		}
	}

	e.resources = e.resources[:0]
	for _, n := range names {
		if denied[n] {
			continue
		}
		e.resources = append(e.resources, n)
	}
	return e
}

func (e *Engine) WithPushDisabled(disabled bool) *Engine {
	e.pushDisabled = disabled
	return e
}

// Stop ends the run loop and suppresses any further ticks. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Trigger forces an immediate tick (best-effort, non-blocking).
func (e *Engine) Trigger() {
	e.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

type Status struct {
	StartedAt     time.Time            `json:"startedAt"`
	LastTickAt    *time.Time           `json:"lastTickAt,omitempty"`
	LastTriggerAt *time.Time           `json:"lastTriggerAt,omitempty"`
	Online        bool                 `json:"online"`
	Seeded        bool                 `json:"seeded"`
	PushDisabled  bool                 `json:"pushDisabled"`
	TotalTicks    int64                `json:"totalTicks"`
	TotalPulled   int64                `json:"totalPulled"`
	PendingOutbox int64                `json:"pendingOutbox"`
	Pulled        map[string]int64     `json:"pulled,omitempty"`
	Prices        map[string]time.Time `json:"pricesFetchedAt,omitempty"`
	LastError     string               `json:"lastError,omitempty"`
}

func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		StartedAt:    time.Unix(0, e.startedAtUnixNano).UTC(),
		Seeded:       e.seeded.Load(),
		PushDisabled: e.pushDisabled,
		TotalTicks:   e.totalTicks.Load(),
		TotalPulled:  e.totalPulled.Load(),
	}
	if n := e.lastTickUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTickAt = &t
	}
	if n := e.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	if e.prices != nil {
		st.Prices = e.prices.FetchedAt()
	}
	if pending, err := e.outbox.CountPending(ctx); err == nil {
		st.PendingOutbox = pending
	}

	e.mu.Lock()
	st.Online = e.online
	st.LastError = e.lastError
	st.Pulled = make(map[string]int64, len(e.pulled))
	for k, v := range e.pulled {
		st.Pulled[k] = v
	}
	e.mu.Unlock()
	return st
}

func (e *Engine) noteError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) notePulled(resource string, n int64) {
	e.totalPulled.Add(n)
	e.mu.Lock()
	e.pulled[resource] += n
	e.mu.Unlock()
}

// setOnline records reachability and logs only the transitions, so a long
// offline stretch produces one line, not one per tick.
func (e *Engine) setOnline(online bool) {
	e.mu.Lock()
	changed := !e.onlineSet || e.online != online
	e.online = online
	e.onlineSet = true
	e.mu.Unlock()

	if !changed {
		return
	}
	if online {
		e.logger.Info("central store reachable, resuming sync")
	} else {
		e.logger.Warn("central store unreachable, running offline")
	}
}
