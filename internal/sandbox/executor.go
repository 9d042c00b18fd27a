package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/cache"
	"github.com/ssuji15/synthgen/internal/metrics"
	"github.com/ssuji15/synthgen/internal/queue"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/storage"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/model"
)

type Request struct {
	Code string
	// Language defaults to Python.
	Language model.Language
}

// archiveSource marks artifacts restored from object storage.
const archiveSource = "archive"

type Artifact struct {
	HTML     string `msgpack:"html"`
	Source   string `msgpack:"source"`
	CodeHash string `msgpack:"code_hash"`
	Attempts int    `msgpack:"-"`
	Cached   bool   `msgpack:"-"`
}

// Recorder persists one row per Execute call.
type Recorder interface {
	RecordExecution(ctx context.Context, e *model.Execution) error
}

type Options struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	TeardownTimeout time.Duration

	// Optional collaborators. Nil disables the concern.
	Cache    cache.Cache
	Storage  storage.Storage
	Recorder Recorder
	Events   queue.Queue
}

type Executor struct {
	rt   Runtime
	opts Options
}

func NewExecutor(rt Runtime, opts Options) (*Executor, error) {
	if rt == nil {
		return nil, errors.New("sandbox: runtime is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}
	if opts.Events == nil {
		opts.Events = queue.Nop{}
	}
	return &Executor{rt: rt, opts: opts}, nil
}

// Execute runs code in a fresh isolated context and returns the single
// artifact it produced. Failures other than malformed code are retried with a
// new context up to MaxAttempts times; the last error is returned.
func (e *Executor) Execute(ctx context.Context, req Request) (*Artifact, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Sandbox/Execute")
	defer span.End()

	if req.Language == "" {
		req.Language = model.Python
	}
	hash := util.HashCode(req.Code)
	log := logger.FromContext(ctx).With().Str("code_hash", hash).Logger()
	ctx = logger.WithContext(ctx, log)

	rec := &model.Execution{
		CodeHash:  hash,
		Language:  req.Language,
		StartTime: time.Now().UTC(),
	}

	if req.Language != model.Python {
		err := fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
		return nil, e.fail(ctx, span, rec, err)
	}

	code := Preprocess(req.Code)
	pkgs, err := DiscoverPackages(code)
	if err != nil {
		return nil, e.fail(ctx, span, rec, newExecutionError(err.Error(), req.Code, err))
	}
	watchTmp := false
	for _, p := range pkgs {
		if _, ok := unsupportedPackages[p]; ok {
			return nil, e.fail(ctx, span, rec, newExecutionError(p+" is not supported", req.Code, ErrUnsupportedPackage))
		}
		if p == "bokeh" {
			watchTmp = true
		}
	}

	if art, ok := e.lookup(ctx, hash); ok {
		rec.Status = model.ExecutionCached
		rec.ArtifactHash = util.HashCode(art.HTML)
		e.record(ctx, rec)
		metrics.SandboxExecutions.WithLabelValues("cached").Inc()
		log.Info().Msg("artifact served from cache")
		return art, nil
	}

	var art *Artifact
	op := func() error {
		rec.Attempts++
		html, source, err := e.attempt(ctx, SessionSpec{WatchTmp: watchTmp}, pkgs, code, req.Code, rec.Attempts)
		if err != nil {
			if IsTerminal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		art = &Artifact{HTML: html, Source: source, CodeHash: hash, Attempts: rec.Attempts}
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), uint64(e.opts.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Int("attempt", rec.Attempts).
			Int("max_attempts", e.opts.MaxAttempts).
			Dur("retry_in", wait).
			Msg("execution attempt failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		log.Error().Err(err).Int("attempts", rec.Attempts).Msg("execution failed")
		return nil, e.fail(ctx, span, rec, err)
	}

	rec.Status = model.ExecutionSucceeded
	rec.ArtifactHash = util.HashCode(art.HTML)
	rec.EndTime = time.Now().UTC()
	e.store(ctx, art)
	e.record(ctx, rec)
	e.announce(ctx, art)
	metrics.SandboxExecutions.WithLabelValues("ok").Inc()
	log.Info().Str("source", art.Source).Int("attempts", art.Attempts).Msg("artifact produced")
	return art, nil
}

func (e *Executor) attempt(ctx context.Context, spec SessionSpec, pkgs []string, code, original string, n int) (html, source string, err error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Sandbox/Attempt",
		trace.WithAttributes(attribute.Int("attempt", n)),
	)
	defer span.End()
	log := logger.FromContext(ctx)

	defer func() {
		metrics.SandboxAttempts.WithLabelValues(attemptOutcome(err)).Inc()
		if err != nil {
			util.RecordSpanError(span, err)
		}
	}()

	sess, err := e.rt.Provision(ctx, spec)
	if err != nil {
		return "", "", fmt.Errorf("provision sandbox: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.TeardownTimeout)
		defer cancel()
		if cerr := sess.Close(cctx); cerr != nil {
			log.Warn().Err(cerr).Int("attempt", n).Msg("unable to tear down sandbox")
		}
	}()

	if len(pkgs) > 0 {
		log.Debug().Strs("packages", pkgs).Msg("installing packages")
		if err := sess.Install(ctx, pkgs); err != nil {
			return "", "", fmt.Errorf("install packages: %w", err)
		}
	}

	out, err := sess.Run(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("run code: %w", err)
	}
	return selectArtifact(ctx, sess, out, original)
}

func attemptOutcome(err error) string {
	var execErr *ExecutionError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &execErr):
		return "execution_error"
	case errors.Is(err, ErrNoArtifactProduced):
		return "no_artifact"
	case errors.Is(err, ErrMultipleArtifacts):
		return "multiple_artifacts"
	default:
		return "infra_error"
	}
}

// lookup serves a previous run from the cache, falling back to the archive.
// Archive hits are written back to the cache.
func (e *Executor) lookup(ctx context.Context, hash string) (*Artifact, bool) {
	if art, ok := e.cached(ctx, hash); ok {
		return art, true
	}
	if e.opts.Storage == nil {
		return nil, false
	}

	html, err := e.opts.Storage.Download(ctx, util.GetArtifactPath(hash))
	if err != nil || len(html) == 0 {
		l := logger.FromContext(ctx)
		l.Debug().Err(err).Msg("artifact not archived")
		return nil, false
	}
	art := &Artifact{HTML: string(html), Source: archiveSource, CodeHash: hash}
	if e.opts.Cache != nil {
		if err := e.opts.Cache.Put(ctx, util.GetArtifactKey(hash), art, e.opts.Cache.GetDefaultTTL()); err != nil {
			l := logger.FromContext(ctx)
			l.Warn().Err(err).Msg("unable to cache archived artifact")
		}
	}
	art.Cached = true
	return art, true
}

func (e *Executor) cached(ctx context.Context, hash string) (*Artifact, bool) {
	if e.opts.Cache == nil {
		return nil, false
	}
	var art Artifact
	err := e.opts.Cache.Get(ctx, util.GetArtifactKey(hash), &art)
	if errors.Is(err, cache.ErrMiss) {
		return nil, false
	}
	if err != nil {
		l := logger.FromContext(ctx)
		l.Warn().Err(err).Msg("artifact cache lookup failed")
		return nil, false
	}
	art.Cached = true
	return &art, true
}

// store writes the artifact to the cache and archive. Neither failure fails
// the execution.
func (e *Executor) store(ctx context.Context, art *Artifact) {
	log := logger.FromContext(ctx)
	if e.opts.Cache != nil {
		if err := e.opts.Cache.Put(ctx, util.GetArtifactKey(art.CodeHash), art, e.opts.Cache.GetDefaultTTL()); err != nil {
			log.Warn().Err(err).Msg("unable to cache artifact")
		}
	}
	if e.opts.Storage != nil {
		if err := e.opts.Storage.Upload(ctx, util.GetArtifactPath(art.CodeHash), []byte(art.HTML)); err != nil {
			log.Warn().Err(err).Msg("unable to archive artifact")
		}
	}
}

func (e *Executor) record(ctx context.Context, rec *model.Execution) {
	if e.opts.Recorder == nil {
		return
	}
	if rec.EndTime.IsZero() {
		rec.EndTime = time.Now().UTC()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.opts.Recorder.RecordExecution(rctx, rec); err != nil {
		l := logger.FromContext(ctx)
		l.Warn().Err(err).Msg("unable to record execution")
	}
}

func (e *Executor) announce(ctx context.Context, art *Artifact) {
	payload, err := json.Marshal(map[string]any{
		"code_hash": art.CodeHash,
		"source":    art.Source,
		"attempts":  art.Attempts,
	})
	if err != nil {
		return
	}
	if err := e.opts.Events.PublishEvent(ctx, queue.ArtifactProduced, payload); err != nil {
		l := logger.FromContext(ctx)
		l.Warn().Err(err).Msg("unable to publish artifact event")
	}
}

func (e *Executor) fail(ctx context.Context, span trace.Span, rec *model.Execution, err error) error {
	util.RecordSpanError(span, err)
	rec.Status = model.ExecutionFailed
	rec.Error = err.Error()
	rec.EndTime = time.Now().UTC()
	e.record(ctx, rec)
	metrics.SandboxExecutions.WithLabelValues("failed").Inc()
	return err
}
