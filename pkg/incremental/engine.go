// Package incremental extracts one object at a time, bounded below by the
// object's committed watermark.
//
// An extraction moves through three steps. Plan determines the lower bound
// (the committed watermark, else the configured initial_since, else no bound)
// and whether an interrupted run can be resumed. Extract walks the pages with
// the filter "incremental_field >= lower bound", hands every page to a
// Handler and tracks the highest incremental value seen. Finalize commits
// that value as the new watermark, never moving it backward.
//
// A failed Extract leaves the committed watermark untouched; the checkpoint it
// wrote lets the next run continue after the last handed off page.
package incremental

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/intacct"
	"github.com/ajitpratap0/intacct-extractor/pkg/logger"
	"github.com/ajitpratap0/intacct-extractor/pkg/metrics"
	"github.com/ajitpratap0/intacct-extractor/pkg/pagination"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

// API is the part of the object API the engine uses.
type API interface {
	pagination.PageFetcher
	DescribeObject(ctx context.Context, object string) (*intacct.ObjectSchema, error)
}

// Object is the extraction definition of one configured endpoint.
type Object struct {
	Name             string
	Columns          []string
	Incremental      bool
	IncrementalField string
	// InitialSince is the RFC3339 lower bound of the very first run
	InitialSince string
	PrimaryKey   []string
	PageSize     int
}

// ObjectFromConfig builds the extraction definition of ep.
func ObjectFromConfig(ep config.EndpointConfig, pageSize int) (Object, error) {
	since, err := config.NormalizeSince(ep.InitialSince)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Name:             ep.Object(),
		Columns:          ep.RequestedColumns(),
		Incremental:      ep.IsIncremental(),
		IncrementalField: ep.IncrementalField(),
		InitialSince:     since,
		PrimaryKey:       ep.Destination.PrimaryKey,
		PageSize:         pageSize,
	}, nil
}

// Plan is the outcome of watermark determination for one run of an object.
type Plan struct {
	Object Object
	// LowerBound is the watermark the filter starts from; empty means no filter
	LowerBound string
	Filter     intacct.Filter
	PrimaryKey []string

	// Resumed is set when an interrupted run is continued.
	Resumed      bool
	ResumeCursor string
	PagesDone    int
	Pending      string
	OutputOffset int64
}

// Handler receives every page before the next one is fetched. HandlePage
// must make the page durable before returning; Position reports the output
// position recorded with checkpoints.
type Handler interface {
	HandlePage(ctx context.Context, page *pagination.Page) error
	Position() int64
}

// Result summarizes a completed extraction.
type Result struct {
	Pages   int
	Records int
	// Candidate is the highest incremental value observed, including the
	// pending value of a resumed run.
	Candidate string
}

// Engine runs extractions against the API and the progress store.
type Engine struct {
	api                API
	store              state.ProgressStore
	checkpointInterval int
	logger             *zap.Logger
	metrics            *metrics.Collector
	tracer             trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpointInterval persists the resume position every n pages.
func WithCheckpointInterval(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.checkpointInterval = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records watermark commits on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// NewEngine creates an engine.
func NewEngine(api API, store state.ProgressStore, opts ...Option) *Engine {
	e := &Engine{
		api:                api,
		store:              store,
		checkpointInterval: 1,
		logger:             zap.NewNop(),
		tracer:             otel.Tracer("github.com/ajitpratap0/intacct-extractor/pkg/incremental"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "incremental_engine"))
	return e
}

// Plan determines the lower bound and resume position of obj and resolves
// its primary key.
func (e *Engine) Plan(ctx context.Context, obj Object) (*Plan, error) {
	if strings.TrimSpace(obj.Name) == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "object name is required")
	}
	if obj.Incremental && obj.IncrementalField == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "incremental load requires an incremental field").
			WithDetail("object", obj.Name)
	}

	ctx = logger.ContextWithObject(ctx, obj.Name)
	log := logger.WithContext(ctx, e.logger)
	plan := &Plan{Object: obj, PrimaryKey: obj.PrimaryKey}
	st := e.store.Object(obj.Name)

	if obj.Incremental {
		switch {
		case st.LastWatermark != "":
			plan.LowerBound = st.LastWatermark
		case obj.InitialSince != "":
			plan.LowerBound = obj.InitialSince
		}
		if plan.LowerBound != "" {
			plan.Filter = intacct.Filter{Field: obj.IncrementalField, Value: plan.LowerBound}
		}
	}

	if st.InProgress {
		if st.HasCheckpoint() && st.RunLowerBound == plan.LowerBound {
			plan.Resumed = true
			plan.ResumeCursor = st.PageCursor
			plan.PagesDone = st.PagesDone
			plan.Pending = st.PendingWatermark
			plan.OutputOffset = st.OutputOffset
			log.Info("resuming interrupted run",
				zap.String("cursor", st.PageCursor),
				zap.Int("pages_done", st.PagesDone))
		} else {
			log.Info("discarding checkpoint of an interrupted run",
				zap.String("checkpoint_lower_bound", st.RunLowerBound),
				zap.String("lower_bound", plan.LowerBound))
			if err := e.store.ResetProgress(ctx, obj.Name); err != nil {
				return nil, err
			}
		}
	}

	if len(plan.PrimaryKey) == 0 {
		schema, err := e.api.DescribeObject(ctx, obj.Name)
		if err != nil {
			return nil, err
		}
		plan.PrimaryKey = schema.PrimaryKeyCandidates
		log.Debug("primary key taken from object metadata", zap.Strings("primary_key", plan.PrimaryKey))
	}

	log.Info("extraction planned",
		zap.Bool("incremental", obj.Incremental),
		zap.String("filter", plan.Filter.String()),
		zap.Bool("resumed", plan.Resumed))
	return plan, nil
}

// Extract walks every page of plan, handing each to handler. It returns once
// the pages are exhausted; the watermark is not committed until Finalize.
func (e *Engine) Extract(ctx context.Context, plan *Plan, handler Handler) (*Result, error) {
	obj := plan.Object
	ctx, span := e.tracer.Start(ctx, "extract.object", trace.WithAttributes(
		attribute.String("object", obj.Name),
		attribute.Bool("incremental", obj.Incremental),
		attribute.Bool("resumed", plan.Resumed),
	))
	defer span.End()

	ctx = logger.ContextWithObject(ctx, obj.Name)
	log := logger.WithContext(ctx, e.logger)

	var opts []pagination.Option
	opts = append(opts, pagination.WithLogger(log))
	if plan.Resumed {
		opts = append(opts, pagination.WithResume(plan.ResumeCursor, plan.PagesDone))
	}
	pager := pagination.NewPager(e.api, pagination.Query{
		Object:   obj.Name,
		Filter:   plan.Filter,
		Columns:  obj.Columns,
		PageSize: obj.PageSize,
	}, opts...)

	var tracker *Tracker
	if obj.Incremental {
		tracker = NewTracker(obj.IncrementalField, plan.Pending)
	}

	result := &Result{}
	sinceCheckpoint := 0
	for page, err := range pager.Pages(ctx) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(errors.TypeOf(err)))
			return nil, err
		}

		if tracker != nil {
			for _, rec := range page.Records {
				tracker.Observe(rec)
			}
		}
		pageCtx := logger.ContextWithPage(ctx, page.Index)
		logger.WithContext(pageCtx, e.logger).Debug("handing off page", zap.Int("records", len(page.Records)))
		if err := handler.HandlePage(pageCtx, page); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			return nil, err
		}
		result.Pages++
		result.Records += len(page.Records)

		sinceCheckpoint++
		if !pager.Exhausted() && sinceCheckpoint >= e.checkpointInterval {
			cp := state.Checkpoint{
				Cursor:        pager.Cursor(),
				RunLowerBound: plan.LowerBound,
				PagesDone:     pager.PagesDone(),
				OutputOffset:  handler.Position(),
			}
			if tracker != nil {
				cp.PendingWatermark = tracker.Max()
			}
			if err := e.store.Checkpoint(pageCtx, obj.Name, cp); err != nil {
				return nil, err
			}
			sinceCheckpoint = 0
		}
	}

	if tracker != nil {
		result.Candidate = tracker.Max()
		if tracker.Missing() > 0 {
			log.Warn("records without the incremental field",
				zap.String("field", obj.IncrementalField),
				zap.Int("missing", tracker.Missing()))
		}
	}
	span.SetAttributes(attribute.Int("pages", result.Pages), attribute.Int("records", result.Records))
	log.Info("pages exhausted",
		zap.Int("pages", result.Pages),
		zap.Int("records", result.Records),
		zap.String("candidate_watermark", result.Candidate))
	return result, nil
}

// Finalize commits the watermark of a completed extraction and clears its
// checkpoint. The committed watermark never decreases, and a run that
// observed no values leaves it unchanged. It returns the committed value.
func (e *Engine) Finalize(ctx context.Context, plan *Plan, result *Result) (string, error) {
	name := plan.Object.Name
	previous := e.store.Object(name).LastWatermark

	next := previous
	if plan.Object.Incremental && result != nil {
		next = Max(previous, result.Candidate)
	}

	if err := e.store.CommitWatermark(ctx, name, next); err != nil {
		return "", err
	}
	if e.metrics != nil && next != previous {
		e.metrics.WatermarkCommitted(name)
	}
	logger.WithContext(logger.ContextWithObject(ctx, name), e.logger).Info("watermark committed",
		zap.String("previous", previous),
		zap.String("watermark", next))
	return next, nil
}
