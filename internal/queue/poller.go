package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gpudevservers/resctl/internal/telemetry"
	"github.com/gpudevservers/resctl/pkg/orchestrator"
)

// inFlightCounterKey is a cluster-wide counter mirroring this poller's local
// in-flight count, so a second poller replica (failover or a rolling deploy
// overlap) backs off against the combined load rather than only its own.
const inFlightCounterKey = "queue:poller:inflight"

// PollerConfig bounds the poller's batch pull size, visibility window,
// concurrency, and retry budget (§4.3, spec.md §6 queue runtime vars).
type PollerConfig struct {
	BatchSize              int
	VisibilityTimeoutSecs  int
	MaxConcurrentJobs      int
	MaxRetries             int
	PollIntervalSeconds    int
}

// Poller is the single logical leader (C4) that dequeues messages and
// spawns one worker Job per message, matching the original JobManager
// polling loop's shape.
type Poller struct {
	store   *Store
	orch    *orchestrator.Client
	orchCfg orchestrator.Config
	rdb     *redis.Client
	cfg     PollerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[int64]string // msg_id -> job name
}

// NewPoller builds a Poller. rdb may be nil, in which case backpressure is
// computed from this process's local in-flight count only.
func NewPoller(store *Store, orch *orchestrator.Client, orchCfg orchestrator.Config, rdb *redis.Client, cfg PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{store: store, orch: orch, orchCfg: orchCfg, rdb: rdb, cfg: cfg, logger: logger, inFlight: make(map[int64]string)}
}

// Run polls continuously until ctx is cancelled. Each pass pulls a batch,
// reaps completed/failed jobs from the prior pass, and applies backpressure
// by sleeping twice the poll interval whenever the concurrency cap is hit.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("queue poller started", "batch_size", p.cfg.BatchSize, "max_concurrent", p.cfg.MaxConcurrentJobs)

	interval := time.Duration(p.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.recoverInFlight(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopped")
			return
		case <-ticker.C:
			p.reapFinished(ctx)
			if err := p.tick(ctx); err != nil {
				p.logger.Error("poller tick", "error", err)
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	clusterInFlight := p.clusterInFlight(ctx)
	p.mu.Lock()
	slots := p.cfg.MaxConcurrentJobs - clusterInFlight
	p.mu.Unlock()
	if slots <= 0 {
		p.logger.Warn("poller at max concurrency, backing off", "in_flight", len(p.inFlight))
		time.Sleep(time.Duration(p.cfg.PollIntervalSeconds*2) * time.Second)
		return nil
	}

	limit := p.cfg.BatchSize
	if limit > slots {
		limit = slots
	}

	messages, err := p.store.Read(ctx, p.cfg.VisibilityTimeoutSecs, limit)
	if err != nil {
		return fmt.Errorf("reading batch: %w", err)
	}
	telemetry.QueueDepth.WithLabelValues(p.store.name).Set(float64(len(messages)))

	for _, msg := range messages {
		if msg.ReadCt > int32(p.cfg.MaxRetries) {
			p.logger.Warn("archiving over-retried message", "msg_id", msg.MsgID, "read_ct", msg.ReadCt)
			if err := p.store.Archive(ctx, msg.MsgID); err != nil {
				p.logger.Error("archiving message", "msg_id", msg.MsgID, "error", err)
			}
			telemetry.QueueMessagesArchivedTotal.WithLabelValues(p.store.name).Inc()
			continue
		}

		jobName, err := p.orch.CreateWorkerJob(ctx, p.orchCfg, msg.MsgID, msg.Body)
		if err != nil {
			p.logger.Error("spawning worker job", "msg_id", msg.MsgID, "error", err)
			continue
		}

		p.mu.Lock()
		p.inFlight[msg.MsgID] = jobName
		p.mu.Unlock()
		p.incrClusterInFlight(ctx, 1)
		telemetry.QueueInFlightWorkers.Set(float64(len(p.inFlight)))
	}
	return nil
}

// clusterInFlight returns the cluster-wide in-flight count if Redis is
// configured, falling back to this process's local count on any Redis
// error or when no client is set.
func (p *Poller) clusterInFlight(ctx context.Context) int {
	p.mu.Lock()
	local := len(p.inFlight)
	p.mu.Unlock()

	if p.rdb == nil {
		return local
	}
	n, err := p.rdb.Get(ctx, inFlightCounterKey).Int()
	if err != nil {
		if err != redis.Nil {
			p.logger.Warn("reading cluster in-flight counter", "error", err)
		}
		return local
	}
	if n < local {
		return local
	}
	return n
}

func (p *Poller) incrClusterInFlight(ctx context.Context, delta int64) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.IncrBy(ctx, inFlightCounterKey, delta).Err(); err != nil {
		p.logger.Warn("updating cluster in-flight counter", "error", err)
	}
}

// reapFinished checks every in-flight job: a Succeeded job's message is
// deleted, a Failed job is left for the next Read to retry (its visibility
// window has already expired or will shortly), and a job that no longer
// exists (already reaped) is simply dropped from tracking.
func (p *Poller) reapFinished(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[int64]string, len(p.inFlight))
	for k, v := range p.inFlight {
		snapshot[k] = v
	}
	p.mu.Unlock()

	for msgID, jobName := range snapshot {
		status, err := p.orch.GetJobStatus(ctx, jobName)
		if err != nil {
			p.logger.Error("checking job status", "job", jobName, "error", err)
			continue
		}
		if status == nil {
			p.forget(ctx, msgID)
			continue
		}

		switch status.Phase {
		case "Succeeded":
			if err := p.store.Delete(ctx, msgID); err != nil {
				p.logger.Error("deleting completed message", "msg_id", msgID, "error", err)
			}
			if err := p.orch.DeleteJob(ctx, jobName); err != nil {
				p.logger.Error("deleting finished job", "job", jobName, "error", err)
			}
			p.forget(ctx, msgID)
		case "Failed":
			if err := p.orch.DeleteJob(ctx, jobName); err != nil {
				p.logger.Error("deleting failed job", "job", jobName, "error", err)
			}
			p.forget(ctx, msgID)
		}
	}

	p.mu.Lock()
	telemetry.QueueInFlightWorkers.Set(float64(len(p.inFlight)))
	p.mu.Unlock()
}

func (p *Poller) forget(ctx context.Context, msgID int64) {
	p.mu.Lock()
	_, ok := p.inFlight[msgID]
	delete(p.inFlight, msgID)
	p.mu.Unlock()
	if ok {
		p.incrClusterInFlight(ctx, -1)
	}
}

// recoverInFlight rebuilds in-flight tracking after a restart by parsing
// msg_id out of existing reservation-worker-<msg_id> Job names, so a crash
// of the poller process does not orphan jobs it lost track of.
func (p *Poller) recoverInFlight(ctx context.Context) {
	pods, err := p.orch.ListPods(ctx, "app=reservation-worker")
	if err != nil {
		p.logger.Error("recovering in-flight jobs", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pod := range pods {
		jobName, ok := pod.Labels["job-name"]
		if !ok {
			continue
		}
		msgID, err := msgIDFromJobName(jobName)
		if err != nil {
			continue
		}
		p.inFlight[msgID] = jobName
	}
	p.logger.Info("recovered in-flight jobs", "count", len(p.inFlight))
}

func msgIDFromJobName(name string) (int64, error) {
	const prefix = "reservation-worker-"
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("job name %q missing expected prefix", name)
	}
	return strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
}
