// Package worker leases transmissions from the store and drives each one through the
// pipeline to a terminal status.
//
// An Engine runs one or more independent poll loops. Each loop leases with a bounded,
// jittered retry on contention, drains the queue until it reports empty, and backs off
// to the idle interval after several consecutive empty scans. A failing or panicking
// job is finalized as failed and never stops the loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/driverblock"
	"github.com/dyluth/relay/internal/enforce"
	"github.com/dyluth/relay/internal/gates"
	"github.com/dyluth/relay/internal/model"
	"github.com/dyluth/relay/internal/telemetry"
	"github.com/dyluth/relay/pkg/transmission"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errContention = errors.New("lease contention")

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Store     transmission.Store
	Generator model.Generator
	Registry  *driverblock.Registry // nil uses the embedded registry
	Logger    *zap.Logger
}

// Engine is the worker loop.
type Engine struct {
	store     transmission.Store
	cfg       config.WorkerConfig
	pipeline  *gates.Pipeline
	assembler *driverblock.Assembler
	enforcer  *enforce.Enforcer
	logger    *zap.Logger

	leases    metric.Int64Counter
	jobs      metric.Int64Counter
	processed atomic.Int64
}

// New builds an Engine from the process configuration.
func New(cfg *config.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := deps.Generator
	if gen == nil {
		gen = model.EchoGenerator{}
	}

	e := &Engine{
		store: deps.Store,
		cfg:   cfg.Worker,
		pipeline: gates.New(gates.Settings{Limits: cfg.Limits, Environment: cfg.Environment},
			gates.StoreRetriever{Store: deps.Store}, logger),
		assembler: driverblock.NewAssembler(deps.Registry, driverblock.LimitsFrom(cfg.Limits), logger),
		enforcer:  enforce.New(gen, cfg.Limits, logger),
		logger:    logger,
	}

	m := telemetry.Meter("github.com/dyluth/relay/worker")
	e.leases, _ = m.Int64Counter("relay.worker.lease",
		metric.WithDescription("Lease attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	e.jobs, _ = m.Int64Counter("relay.worker.jobs",
		metric.WithDescription("Finalized jobs by status code"),
		metric.WithUnit("{job}"),
	)
	return e
}

// Build creates an Engine with the generator and driver block registry cfg names.
func Build(cfg *config.Config, store transmission.Store, logger *zap.Logger) (*Engine, error) {
	gen, err := model.New(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	registry, err := driverblock.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	return New(cfg, Deps{
		Store:     store,
		Generator: gen,
		Registry:  registry,
		Logger:    logger,
	}), nil
}

// DefaultOwnerID is hostname-pid, used when no owner id is configured.
func DefaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Processed returns the number of jobs this engine has finalized.
func (e *Engine) Processed() int64 {
	return e.processed.Load()
}

// Run starts n poll loops and blocks until ctx is cancelled or a loop fails. Each loop
// leases under its own owner id.
func (e *Engine) Run(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	base := e.cfg.OwnerID
	if base == "" {
		base = DefaultOwnerID()
	}

	e.logger.Info("Worker starting",
		zap.String("owner", base),
		zap.Int("loops", n),
		zap.String("kind", e.cfg.Kind))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		owner := base
		if n > 1 {
			owner = fmt.Sprintf("%s/%d", base, i)
		}
		g.Go(func() error {
			return e.loop(ctx, owner)
		})
	}
	err := g.Wait()
	e.logger.Info("Worker stopped", zap.String("owner", base), zap.Int64("processed", e.Processed()))
	return err
}

func (e *Engine) loop(ctx context.Context, owner string) error {
	emptyScans := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := e.Drain(ctx, owner)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("Lease failed", zap.String("owner", owner), zap.Error(err))
		}
		if n == 0 {
			emptyScans++
		} else {
			emptyScans = 0
		}

		wait := e.cfg.PollInterval
		if e.cfg.MaxEmptyScans > 0 && emptyScans >= e.cfg.MaxEmptyScans {
			wait = e.cfg.IdleInterval
		}
		timer.Reset(wait)
	}
}

// Drain leases and processes jobs until the queue reports empty, contention persists
// past the retry budget, or ctx is cancelled. It returns how many jobs it finalized.
func (e *Engine) Drain(ctx context.Context, owner string) (int, error) {
	n := 0
	for ctx.Err() == nil {
		res, err := e.Lease(ctx, owner)
		if err != nil {
			return n, err
		}
		if res.Outcome != transmission.LeaseLeased {
			return n, nil
		}
		e.Process(ctx, owner, res)
		n++
	}
	return n, nil
}

// Lease makes one lease attempt, retrying contention up to MaxLeaseAttempts times in
// total with jittered exponential backoff. Persistent contention is reported as a
// contention outcome, not an error.
func (e *Engine) Lease(ctx context.Context, owner string) (transmission.LeaseResult, error) {
	req := transmission.LeaseRequest{
		OwnerID:  owner,
		Duration: e.cfg.LeaseDuration,
		Kind:     transmission.PacketKind(e.cfg.Kind),
	}
	if e.cfg.ReclaimExpired {
		req.EligibleStatuses = []transmission.Status{transmission.StatusCreated, transmission.StatusProcessing}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0

	retries := e.cfg.MaxLeaseAttempts - 1
	if retries < 0 {
		retries = 0
	}

	var res transmission.LeaseResult
	op := func() error {
		r, err := e.store.LeaseNext(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		res = r
		e.leases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(r.Outcome))))
		if r.Outcome == transmission.LeaseContention {
			e.logger.Debug("Lease contention", zap.String("owner", owner))
			return errContention
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errContention):
		return res, nil
	case ctx.Err() != nil:
		return transmission.LeaseResult{Outcome: transmission.LeaseEmpty}, nil
	default:
		return transmission.LeaseResult{}, fmt.Errorf("lease failed: %w", err)
	}
}
