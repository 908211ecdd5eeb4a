// Package detector finds error-frequency spikes and opens incidents for them.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/premortem/internal/bus"
	"github.com/kiranshivaraju/premortem/internal/store"
	"github.com/kiranshivaraju/premortem/internal/telemetry"
	"github.com/kiranshivaraju/premortem/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LockName is the shared lock held while a detection run is in progress.
const LockName = "detector"

const minLockTTL = 10 * time.Second

// SpikeSource is the slice of the analytical store the detector reads.
type SpikeSource interface {
	SpikeGroups(ctx context.Context, threshold uint64, window time.Duration) ([]models.SpikeGroup, error)
	LatestErrorDetail(ctx context.Context, tenantID, errorSignature string) (models.ErrorDetail, bool, error)
}

// Locker takes a named lock shared between instances.
type Locker interface {
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// Options configures a Detector.
type Options struct {
	Threshold    int
	PollInterval time.Duration
	// Locker, when set, keeps runs on different instances from overlapping.
	Locker Locker
	Logger *slog.Logger
}

// Result summarises one detection run.
type Result struct {
	Groups  int
	Created int
	Skipped int
	Failed  int
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Detector polls the analytical store and opens one incident per spiking
// (tenant, error signature).
type Detector struct {
	source    SpikeSource
	incidents store.IncidentStore
	publisher bus.EventPublisher
	locker    Locker

	threshold uint64
	interval  time.Duration
	lockTTL   time.Duration
	logger    *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func New(source SpikeSource, incidents store.IncidentStore, publisher bus.EventPublisher, opts Options) *Detector {
	if opts.Threshold < 1 {
		opts.Threshold = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Detector{
		source:    source,
		incidents: incidents,
		publisher: publisher,
		locker:    opts.Locker,
		threshold: uint64(opts.Threshold),
		interval:  opts.PollInterval,
		lockTTL:   max(opts.PollInterval, minLockTTL),
		logger:    opts.Logger.With("component", "detector"),
	}
}

// Run ticks immediately and then every poll interval until ctx is done.
// It waits for an in-flight tick before returning.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("spike detector started",
		"poll_interval", d.interval.String(), "threshold", d.threshold)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.startTick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("spike detector stopped")
			return nil
		case <-ticker.C:
			d.startTick(ctx)
		}
	}
}

func (d *Detector) startTick(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, ran, err := d.Tick(ctx)
		switch {
		case err != nil:
			d.logger.Error("detection run failed", "error", err)
		case ran:
			d.logger.Info("detection run complete",
				"groups", res.Groups, "created", res.Created,
				"skipped", res.Skipped, "failed", res.Failed)
		}
	}()
}

// Tick performs one guarded detection run. ran is false when the run was
// skipped because another one held the guard.
func (d *Detector) Tick(ctx context.Context) (res Result, ran bool, err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Warn("previous detection run still in flight, skipping tick")
		return Result{}, false, nil
	}
	defer d.running.Store(false)

	if d.locker != nil {
		token := uuid.NewString()
		ok, err := d.locker.AcquireLock(ctx, LockName, token, d.lockTTL)
		if err != nil {
			return Result{}, false, fmt.Errorf("acquire detector lock: %w", err)
		}
		if !ok {
			d.logger.Info("detection run held by another instance, skipping tick")
			return Result{}, false, nil
		}
		defer func() {
			if err := d.locker.ReleaseLock(context.WithoutCancel(ctx), LockName, token); err != nil {
				d.logger.Error("release detector lock", "error", err)
			}
		}()
	}

	res, err = d.DetectSpikes(ctx)
	return res, true, err
}

// DetectSpikes runs one detection pass. Failures on individual groups are
// logged and counted; only a failed spike query is returned.
func (d *Detector) DetectSpikes(ctx context.Context) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "detector.DetectSpikes")
	defer span.End()

	groups, err := d.source.SpikeGroups(ctx, d.threshold, models.DetectionWindow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spike query failed")
		return Result{}, fmt.Errorf("query spike groups: %w", err)
	}

	res := Result{Groups: len(groups)}
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		switch d.processGroup(ctx, g) {
		case outcomeCreated:
			res.Created++
		case outcomeSkipped:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("detector.groups", res.Groups),
		attribute.Int("detector.created", res.Created),
		attribute.Int("detector.failed", res.Failed),
	)
	return res, nil
}

func (d *Detector) processGroup(ctx context.Context, g models.SpikeGroup) outcome {
	// An empty tenant stays empty; analytics rows are stored under it.
	tenantID := g.TenantID
	log := d.logger.With("tenant_id", tenantID, "service", g.Service, "error_signature", g.ErrorSignature)

	open, err := d.incidents.FindOpenIncident(ctx, tenantID, g.ErrorSignature)
	switch {
	case err == nil:
		log.Debug("open incident exists, skipping", "incident_id", open.IncidentID)
		return outcomeSkipped
	case !errors.Is(err, store.ErrNotFound):
		log.Error("check open incident", "error", err)
		return outcomeFailed
	}

	detail, found, err := d.source.LatestErrorDetail(ctx, tenantID, g.ErrorSignature)
	if err != nil {
		log.Error("fetch error detail", "error", err)
		return outcomeFailed
	}
	if !found {
		detail = models.ErrorDetail{ErrorType: models.UnknownErrorType}
	}

	inc := &models.Incident{
		IncidentID:     models.NewIncidentID(),
		TenantID:       tenantID,
		Service:        g.Service,
		ErrorSignature: g.ErrorSignature,
		ErrorType:      detail.ErrorType,
		ErrorValue:     detail.ErrorValue,
		Status:         models.IncidentStatusDetected,
	}
	log = log.With("incident_id", inc.IncidentID)

	created, err := d.incidents.CreateIncidentIfNoneOpen(ctx, inc)
	if err != nil {
		log.Error("create incident", "error", err)
		return outcomeFailed
	}
	if !created {
		log.Info("incident opened concurrently, skipping")
		return outcomeSkipped
	}

	event := models.NewTimelineEvent(tenantID, inc.IncidentID, &models.IncidentDetectedPayload{
		ErrorSignature: g.ErrorSignature,
		Service:        g.Service,
		ErrorType:      detail.ErrorType,
		ErrorValue:     detail.ErrorValue,
		SpikeCount:     g.Total,
		WindowMinutes:  models.DetectionWindowMinutes,
	})
	if err := d.publisher.Publish(ctx, event); err != nil {
		log.Error("publish incident detected", "error", err, "event_type", event.EventType)
		return outcomeFailed
	}

	log.Info("incident detected", "spike_count", g.Total)
	return outcomeCreated
}
