// Package pipeline runs an extraction over every configured endpoint.
//
// # Overview
//
// A run processes the endpoints strictly one after another. For each object:
//   - the incremental engine plans the lower bound and any resume position
//   - a table writer is opened, continuing staged output when resuming
//   - pages are extracted and written one at a time
//   - the table is committed, then the watermark
//
// An object's watermark is only committed after its table, so a crash in
// between re-extracts the object on the next run instead of losing records.
//
// # Failures
//
// Authentication failures abort the whole run, since no later object could
// succeed. Any other failure aborts the current object; the run then either
// stops (fail_fast) or continues with the next object. Objects that finished
// keep their committed state. Run returns a *RunError naming every failed
// object and the kind of its error.
//
// # Basic Usage
//
//	session := pipeline.NewSession(cfg, store, pipeline.WithLogger(logger))
//	defer session.Close()
//
//	runner, err := pipeline.NewRunner(session)
//	if err != nil {
//	    return err
//	}
//	report, err := runner.Run(ctx)
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/incremental"
	"github.com/ajitpratap0/intacct-extractor/pkg/logger"
	"github.com/ajitpratap0/intacct-extractor/pkg/metrics"
	"github.com/ajitpratap0/intacct-extractor/pkg/output"
)

// Object run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ObjectReport is the outcome of one object in a run.
type ObjectReport struct {
	Object    string        `json:"object"`
	Table     string        `json:"table"`
	Status    string        `json:"status"`
	Resumed   bool          `json:"resumed,omitempty"`
	Pages     int           `json:"pages"`
	Records   int           `json:"records"`
	Watermark string        `json:"watermark,omitempty"`
	DataPath  string        `json:"data_path,omitempty"`
	Duration  time.Duration `json:"duration"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Objects    []ObjectReport `json:"objects"`
}

// Succeeded returns the number of objects that completed.
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Objects {
		if o.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// ObjectFailure names a failed object and the kind of its error.
type ObjectFailure struct {
	Object string
	Kind   errors.ErrorType
	Err    error
}

// RunError is returned when at least one object failed.
type RunError struct {
	Failures []ObjectFailure
}

func (e *RunError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", f.Object, f.Kind, f.Err))
	}
	return fmt.Sprintf("extraction failed for %d object(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the object errors to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Kind returns the error kind of the first failure.
func (e *RunError) Kind() errors.ErrorType {
	if len(e.Failures) == 0 {
		return errors.ErrorTypeInternal
	}
	return e.Failures[0].Kind
}

// Runner executes extraction runs.
type Runner struct {
	session *Session
	cfg     *config.Config
	engine  *incremental.Engine
	sink    *output.Sink
	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRunner creates a runner over session. Options given here override the
// session's options for the runner's own components.
func NewRunner(session *Session, opts ...Option) (*Runner, error) {
	o := *session.opts
	for _, opt := range opts {
		opt(&o)
	}
	cfg := session.Config

	sink, err := output.NewSink(cfg.Output,
		output.WithUploader(o.uploader),
		output.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	engine := incremental.NewEngine(session.Client, session.Store,
		incremental.WithCheckpointInterval(cfg.Reliability.CheckpointInterval),
		incremental.WithLogger(o.logger),
		incremental.WithMetrics(o.metrics),
		incremental.WithTracer(o.tracer),
	)

	return &Runner{
		session: session,
		cfg:     cfg,
		engine:  engine,
		sink:    sink,
		metrics: o.metrics,
		logger:  o.logger.With(zap.String("component", "runner")),
		tracer:  o.tracer,
	}, nil
}

// Run extracts every configured endpoint in order.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	ctx = logger.ContextWithRun(ctx, runID)
	log := logger.WithContext(ctx, r.logger)

	ctx, span := r.tracer.Start(ctx, "extract.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("objects", len(r.cfg.Endpoints)),
	))
	defer span.End()

	report := &Report{RunID: runID, StartedAt: time.Now().UTC()}
	var failures []ObjectFailure
	log.Info("starting extraction run", zap.Int("objects", len(r.cfg.Endpoints)))

	stop := false
	for _, ep := range r.cfg.Endpoints {
		if stop {
			report.Objects = append(report.Objects, ObjectReport{
				Object: ep.Object(),
				Table:  ep.TableName(),
				Status: StatusSkipped,
			})
			continue
		}

		obj, err := r.runObject(ctx, ep)
		report.Objects = append(report.Objects, obj)
		if err == nil {
			continue
		}

		kind := errors.TypeOf(err)
		failures = append(failures, ObjectFailure{Object: ep.Object(), Kind: kind, Err: err})
		log.Error("object extraction failed",
			zap.String("object", ep.Object()),
			zap.String("kind", string(kind)),
			zap.Error(err))

		switch {
		case kind == errors.ErrorTypeAuthentication:
			log.Error("authentication failed, aborting run")
			stop = true
		case ctx.Err() != nil:
			stop = true
		case r.cfg.Reliability.FailFast:
			stop = true
		}
	}
	report.FinishedAt = time.Now().UTC()

	if report.Succeeded() > 0 {
		if err := r.session.Store.MarkRun(ctx); err != nil {
			log.Warn("failed to stamp last run", zap.Error(err))
		}
	}
	r.push(ctx, runID)

	log.Info("extraction run finished",
		zap.Int("succeeded", report.Succeeded()),
		zap.Int("failed", len(failures)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))

	if len(failures) > 0 {
		runErr := &RunError{Failures: failures}
		span.SetStatus(codes.Error, runErr.Error())
		return report, runErr
	}
	return report, nil
}

func (r *Runner) runObject(ctx context.Context, ep config.EndpointConfig) (rep ObjectReport, err error) {
	name := ep.Object()
	rep = ObjectReport{Object: name, Table: ep.TableName()}
	timer := metrics.NewTimer()
	ctx = logger.ContextWithObject(ctx, name)
	log := logger.WithContext(ctx, r.logger)

	defer func() {
		rep.Duration = timer.Stop()
		if err != nil {
			rep.Status = StatusFailed
			rep.ErrorKind = string(errors.TypeOf(err))
			rep.Error = err.Error()
		} else {
			rep.Status = StatusSuccess
		}
		r.metrics.ObjectFinished(name, rep.Status)
	}()

	obj, err := incremental.ObjectFromConfig(ep, r.cfg.PageSize())
	if err != nil {
		return rep, err
	}
	plan, err := r.engine.Plan(ctx, obj)
	if err != nil {
		return rep, err
	}
	if plan.Resumed && !r.sink.CanResume(ep.TableName(), plan.OutputOffset) {
		log.Warn("staged output of the interrupted run is gone, starting over")
		if err := r.session.Store.ResetProgress(ctx, name); err != nil {
			return rep, err
		}
		if plan, err = r.engine.Plan(ctx, obj); err != nil {
			return rep, err
		}
	}
	rep.Resumed = plan.Resumed

	table := output.Table{
		Name:        ep.TableName(),
		Columns:     obj.Columns,
		PrimaryKey:  plan.PrimaryKey,
		Incremental: obj.Incremental,
	}
	if plan.Resumed {
		table.ResumeOffset = plan.OutputOffset
	}
	writer, err := r.sink.Open(ctx, table)
	if err != nil {
		return rep, err
	}
	defer func() {
		if cerr := writer.Close(); cerr != nil {
			log.Warn("failed to close table writer", zap.Error(cerr))
		}
	}()

	result, err := r.engine.Extract(ctx, plan, writer)
	if err != nil {
		return rep, err
	}
	rep.Pages = result.Pages
	rep.Records = result.Records

	committed, err := writer.Commit(ctx)
	if err != nil {
		return rep, err
	}
	if committed != nil {
		rep.DataPath = committed.DataPath
	}

	watermark, err := r.engine.Finalize(ctx, plan, result)
	if err != nil {
		return rep, err
	}
	rep.Watermark = watermark
	log.Info("object extracted",
		zap.Int("pages", rep.Pages),
		zap.Int("records", rep.Records),
		zap.String("watermark", watermark))
	return rep, nil
}

func (r *Runner) push(ctx context.Context, runID string) {
	m := r.cfg.Metrics
	if !m.Enabled || m.PushgatewayURL == "" {
		return
	}
	if err := r.metrics.Push(ctx, m.PushgatewayURL, m.Job, map[string]string{"run_id": runID}); err != nil {
		r.logger.Warn("failed to push metrics", zap.Error(err))
	}
}
