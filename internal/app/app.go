// Package app wires the ambient stack (config, logging, DB, queue) to the
// domain components (C1-C10) and dispatches to one of the process modes a
// single binary can run as.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gpudevservers/resctl/internal/audit"
	"github.com/gpudevservers/resctl/internal/config"
	"github.com/gpudevservers/resctl/internal/httpserver"
	"github.com/gpudevservers/resctl/internal/platform"
	"github.com/gpudevservers/resctl/internal/queue"
	"github.com/gpudevservers/resctl/internal/telemetry"
	"github.com/gpudevservers/resctl/pkg/availability"
	"github.com/gpudevservers/resctl/pkg/disk"
	"github.com/gpudevservers/resctl/pkg/expiry"
	"github.com/gpudevservers/resctl/pkg/gputype"
	"github.com/gpudevservers/resctl/pkg/multinode"
	"github.com/gpudevservers/resctl/pkg/notify"
	"github.com/gpudevservers/resctl/pkg/orchestrator"
	"github.com/gpudevservers/resctl/pkg/provider"
	"github.com/gpudevservers/resctl/pkg/reservation"
	"github.com/gpudevservers/resctl/pkg/snapshot"
)

// poolSize returns a connection pool size appropriate for the mode: worker
// processes are one-shot and short-lived, everything else is long-running.
func poolSize(mode string) int32 {
	if mode == "worker" {
		return 3
	}
	return 20
}

// Run dispatches to the process mode named by cfg.Mode. workerMsgID is the
// queue message ID passed as the single CLI argument when mode is "worker".
func Run(ctx context.Context, cfg *config.Config, workerMsgID string) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	pool, err := platform.NewPool(ctx, cfg.DatabaseURL, poolSize(cfg.Mode))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if cfg.Mode == "api" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool)
	case "poller":
		return runPoller(ctx, cfg, logger, pool)
	case "worker":
		return runWorker(ctx, cfg, logger, pool, workerMsgID)
	case "availability":
		return runAvailability(ctx, cfg, logger, pool)
	case "expiry":
		return runExpiry(ctx, cfg, logger, pool)
	case "reconciler":
		return runReconciler(ctx, cfg, logger, pool)
	case "snapshot-retention":
		return runSnapshotRetention(ctx, cfg, logger, pool)
	case "seed":
		return gputype.Seed(ctx, pool)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

func buildProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	p, err := provider.NewAWSProvider(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, fmt.Errorf("building aws provider: %w", err)
	}
	return p, nil
}

func buildOrchestrator(cfg *config.Config) (*orchestrator.Client, orchestrator.Config, error) {
	orchCfg := orchestrator.Config{
		Namespace:       cfg.KubeNamespace,
		WorkerImage:     cfg.WorkerImage,
		ServiceAccount:  cfg.WorkerServiceAccount,
		ImagePullPolicy: cfg.ImagePullPolicy,
	}
	client, err := orchestrator.NewClient(cfg.KubeconfigPath, cfg.KubeNamespace)
	if err != nil {
		return nil, orchestrator.Config{}, fmt.Errorf("building orchestrator client: %w", err)
	}
	return client, orchCfg, nil
}

func buildNotifyRegistry(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) *notify.Registry {
	reg := notify.NewRegistry()
	reg.Register(notify.NewSlackSink(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
	if rdb != nil {
		reg.Register(notify.NewRedisSink(rdb))
	}
	return reg
}

// runAPI serves the thin operational HTTP surface (§1: health, readiness,
// metrics, and an internal action surface used by tests, not a full
// external REST API).
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	metrics := telemetry.NewMetricsRegistry()
	srv := httpserver.NewServer(cfg, logger, pool, rdb, metrics)

	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	qStore := queue.NewStore(pool, cfg.QueueName)
	types := gputype.NewStore(pool)
	resStore := reservation.NewStore(pool)
	diskStore := disk.NewStore(pool)

	p, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}

	srv.InternalRouter.Mount("/audit", audit.NewHandler(pool, logger).Routes())
	srv.InternalRouter.Mount("/reservations", reservation.NewHandler(resStore, types, reservationEnqueuer{qStore}).Routes())
	srv.InternalRouter.Mount("/disks", disk.NewHandler(diskStore, diskEnqueuer{qStore}, p).Routes())
	srv.InternalRouter.Mount("/multinode", multinode.NewHandler(pool, types, multinodeEnqueuer{qStore}).Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// runPoller runs the durable-queue leader (C4) that spawns one worker Job
// per visible message.
func runPoller(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	orch, orchCfg, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}

	qStore := queue.NewStore(pool, cfg.QueueName)
	p := queue.NewPoller(qStore, orch, orchCfg, rdb, queue.PollerConfig{
		BatchSize:             cfg.BatchSize,
		VisibilityTimeoutSecs: cfg.VisibilityTimeoutSeconds,
		MaxConcurrentJobs:     cfg.MaxConcurrentJobs,
		MaxRetries:            cfg.MaxRetries,
		PollIntervalSeconds:   cfg.PollIntervalSeconds,
	}, logger)

	p.Run(ctx)
	return nil
}

// runWorker processes exactly one queue message, carried via the
// MESSAGE_BODY env var (set by the poller on the Job it spawns), and exits
// non-zero on failure so the Job's phase reflects the outcome for the
// poller's reap pass. msgID identifies the message only for logging; the
// poller (not this process) deletes or retries it based on Job status.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, msgID string) error {
	body := os.Getenv("MESSAGE_BODY")
	if body == "" {
		return fmt.Errorf("worker mode requires MESSAGE_BODY to be set")
	}

	var env queue.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return fmt.Errorf("unmarshaling message envelope for msg %s: %w", msgID, err)
	}

	p, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	orch, _, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	types := gputype.NewStore(pool)
	qStore := queue.NewStore(pool, cfg.QueueName)

	switch env.Domain {
	case "reservation":
		var msg reservation.Message
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return fmt.Errorf("unmarshaling reservation message for msg %s: %w", msgID, err)
		}
		w := reservation.NewWorker(pool, types, p, orch, logger, reservation.WorkerConfig{
			Namespace:           cfg.KubeNamespace,
			MinCLIVersion:       cfg.MinCLIVersion,
			MaxReservationHours: float64(cfg.MaxReservationHours),
			DefaultDiskSizeGB:   50,
			ReadyTimeout:        time.Duration(cfg.WorkloadReadyTimeoutSeconds) * time.Second,
			ContentBucket:       cfg.ContentBucket,
		}).WithCascader(multinodeCascader{pool: pool, queue: qStore})
		if err := w.Process(ctx, msg); err != nil {
			return fmt.Errorf("processing reservation message %s: %w", msgID, err)
		}
	case "disk":
		var msg disk.Message
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return fmt.Errorf("unmarshaling disk message for msg %s: %w", msgID, err)
		}
		w := disk.NewWorker(pool, p, disk.WorkerConfig{DefaultDiskSizeGB: 50})
		if err := w.Process(ctx, msg); err != nil {
			return fmt.Errorf("processing disk message %s: %w", msgID, err)
		}
	default:
		return fmt.Errorf("unknown message domain %q for msg %s", env.Domain, msgID)
	}

	return nil
}

func runAvailability(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	orch, _, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	types := gputype.NewStore(pool)
	host, _ := os.Hostname()
	eng := availability.NewEngine(orch, types, logger, host, time.Duration(cfg.AvailabilityIntervalSeconds)*time.Second)
	eng.Run(ctx)
	return nil
}

func runExpiry(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	p, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	orch, _, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	types := gputype.NewStore(pool)
	resStore := reservation.NewStore(pool)
	teardown := reservation.NewWorker(pool, types, p, orch, logger, reservation.WorkerConfig{
		Namespace:           cfg.KubeNamespace,
		MinCLIVersion:       cfg.MinCLIVersion,
		MaxReservationHours: float64(cfg.MaxReservationHours),
		DefaultDiskSizeGB:   50,
		ReadyTimeout:        time.Duration(cfg.WorkloadReadyTimeoutSeconds) * time.Second,
		ContentBucket:       cfg.ContentBucket,
	})
	notifier := buildNotifyRegistry(cfg, rdb, logger)

	eng := expiry.NewEngine(resStore, notifier, teardown, logger, time.Duration(cfg.ExpiryIntervalSeconds)*time.Second)
	eng.Run(ctx)
	return nil
}

func runReconciler(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	p, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	rec := disk.NewReconciler(pool, p, rdb, logger, time.Duration(cfg.ReconcileIntervalSeconds)*time.Second)
	rec.Run(ctx)
	return nil
}

// runSnapshotRetention periodically applies the snapshot retention policy
// (C10) across every user with at least one disk.
func runSnapshotRetention(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool) error {
	p, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	diskStore := disk.NewStore(pool)
	eng := snapshot.NewEngine(p, pool)

	retention := snapshot.RetentionConfig{
		KeepNewest:     cfg.SnapshotKeepCount,
		MaxAge:         time.Duration(cfg.SnapshotMaxAgeDays) * 24 * time.Hour,
		MaxPerUser:     snapshot.DefaultRetention.MaxPerUser,
		MaxUsersPerRun: snapshot.DefaultRetention.MaxUsersPerRun,
	}

	interval := time.Duration(cfg.ReconcileIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		users, err := diskStore.DistinctUsers(ctx)
		if err != nil {
			logger.Error("listing disk users for snapshot retention", "error", err)
			return
		}
		deleted, err := eng.ApplyRetention(ctx, users, retention)
		if err != nil {
			logger.Error("applying snapshot retention", "error", err)
			return
		}
		logger.Info("snapshot retention applied", "users", len(users), "deleted", deleted)
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		}
	}
}

// reservationEnqueuer adapts the queue store to reservation.Enqueuer,
// wrapping outgoing messages in the domain envelope.
type reservationEnqueuer struct {
	store *queue.Store
}

func (e reservationEnqueuer) Enqueue(ctx context.Context, msg reservation.Message) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshaling reservation message: %w", err)
	}
	return e.store.Enqueue(ctx, queue.Envelope{Domain: "reservation", Body: body})
}

// diskEnqueuer adapts the queue store to disk.Enqueuer.
type diskEnqueuer struct {
	store *queue.Store
}

func (e diskEnqueuer) Enqueue(ctx context.Context, msg disk.Message) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshaling disk message: %w", err)
	}
	return e.store.Enqueue(ctx, queue.Envelope{Domain: "disk", Body: body})
}

// multinodeEnqueuer adapts the queue store to multinode.Enqueuer, sending
// each group member an ordinary reservation create message.
type multinodeEnqueuer struct {
	store *queue.Store
}

func (e multinodeEnqueuer) EnqueueCreate(ctx context.Context, reservationID uuid.UUID) error {
	_, err := reservationEnqueuer{e.store}.Enqueue(ctx, reservation.Message{Kind: reservation.MessageCreate, ReservationID: reservationID})
	return err
}

// multinodeCascader adapts pkg/multinode's coordinated-cancel logic plus the
// queue store into reservation.Cascader. It lives here rather than in
// pkg/reservation because pkg/multinode already imports pkg/reservation for
// the Store/Reservation types its group creation and lifecycle helpers
// operate on; importing pkg/multinode back from pkg/reservation would cycle.
type multinodeCascader struct {
	pool  *pgxpool.Pool
	queue *queue.Store
}

// Cascade transitions every other non-terminal member of the multinode
// group to cancelling and enqueues a cancel message for each, implementing
// §4.6's "a child's failure or cancel triggers cancel of master and all
// siblings; master's cancel cascades to all children."
func (c multinodeCascader) Cascade(ctx context.Context, masterID uuid.UUID, reason string) error {
	store := reservation.NewStore(c.pool)
	members, err := multinode.CascadeCancel(ctx, store, masterID, reason)
	if err != nil {
		return fmt.Errorf("cascading multinode group %s: %w", masterID, err)
	}
	enqueuer := reservationEnqueuer{c.queue}
	for _, m := range members {
		if _, err := enqueuer.Enqueue(ctx, reservation.Message{Kind: reservation.MessageCancel, ReservationID: m.ReservationID}); err != nil {
			return fmt.Errorf("enqueuing cascade cancel for %s: %w", m.ReservationID, err)
		}
	}
	return nil
}
