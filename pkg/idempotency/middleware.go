package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketplace/pkg/httpx"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"
)

const (
	msgStillProcessing = "request with this idempotency key is still processing; retry later"
	msgPayloadMismatch = "idempotency key was already used with a different request payload; use a new key"
	msgCorruptRecord   = "stored idempotency record is unreadable; use a new key"
	msgStoreDown       = "idempotency store unavailable; retry later"
)

// Middleware guarantees at most one execution of a protected handler per
// idempotency key. It keeps no in-process locks: the store's atomic Acquire
// alone decides which request runs.
type Middleware struct {
	store    Store
	policy   RoutePolicy
	cfg      Config
	logger   pslog.Logger
	observer Observer
	actor    ActorFunc
	now      func() time.Time
	tracer   trace.Tracer
}

func New(store Store, policy RoutePolicy, cfg Config, opts ...Option) (*Middleware, error) {
	if store == nil {
		return nil, errors.New("idempotency: store is required")
	}
	if policy == nil {
		return nil, errors.New("idempotency: route policy is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	m := &Middleware{
		store:    store,
		policy:   policy,
		cfg:      cfg,
		logger:   pslog.NoopLogger(),
		observer: nopObserver{},
		actor:    HeaderActor(cfg.ActorHeader),
		now:      time.Now,
		tracer:   otel.Tracer("marketplace/pkg/idempotency"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Middleware) Config() Config { return m.cfg }

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		path := NormalizePath(r.URL.Path, m.cfg.ContextPrefix)
		if !m.policy.Protects(r.Method, path) {
			m.observer.ObserveOutcome(OutcomePassthrough)
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := m.tracer.Start(r.Context(), "idempotency.request", trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("idempotency.path", path),
		))
		defer span.End()
		outcome := m.serve(w, r.WithContext(ctx), next, path, span)
		m.finish(span, outcome)
	})
}

func (m *Middleware) finish(span trace.Span, outcome Outcome) {
	span.SetAttributes(attribute.String("idempotency.outcome", string(outcome)))
	if outcome == OutcomeStoreUnavailable || outcome == OutcomeHandlerFailed {
		span.SetStatus(codes.Error, string(outcome))
	}
	m.observer.ObserveOutcome(outcome)
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler, path string, span trace.Span) Outcome {
	clientKey := strings.TrimSpace(r.Header.Get(m.cfg.KeyHeader))
	if clientKey == "" {
		httpx.Error(w, http.StatusBadRequest, m.cfg.KeyHeader+" header is required")
		return OutcomeMissingKey
	}
	if len(clientKey) > m.cfg.MaxKeyLength {
		httpx.Error(w, http.StatusBadRequest, fmt.Sprintf("%s header exceeds %d characters", m.cfg.KeyHeader, m.cfg.MaxKeyLength))
		return OutcomeInvalidKey
	}

	body, tooLarge, err := readBody(r, m.cfg.MaxRequestBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			httpx.Error(w, http.StatusBadRequest, "invalid request body")
		}
		return OutcomeInvalidRequest
	}
	if tooLarge {
		w.Header().Set(BypassHeader, BypassRequestTooLarge)
		next.ServeHTTP(w, r)
		return OutcomeBypassRequest
	}

	hash := Fingerprint(r.Method, path, r.URL.RawQuery, body)
	key := BuildKey(m.cfg.KeyPrefix, m.actor(r), r.Method, path, clientKey)
	span.SetAttributes(attribute.String("idempotency.request_hash", hash))
	// Completion must run even if the client goes away mid-handler.
	storeCtx := context.WithoutCancel(r.Context())

	raw, found, err := m.get(storeCtx, key)
	if err != nil {
		return m.failClosed(storeCtx, w, key, err, false)
	}
	if found {
		return m.resolve(w, key, raw, hash)
	}

	pending, err := EncodeRecord(Pending{RequestHash: hash, CreatedAt: m.now().UTC()})
	if err != nil {
		return m.failClosed(storeCtx, w, key, err, false)
	}
	acquired, err := m.acquire(storeCtx, key, pending)
	if err != nil {
		return m.failClosed(storeCtx, w, key, err, true)
	}
	if !acquired {
		raw, found, err = m.get(storeCtx, key)
		if err != nil {
			return m.failClosed(storeCtx, w, key, err, false)
		}
		if !found {
			// Lost the race, then the winner's record vanished.
			return m.failClosed(storeCtx, w, key, errors.New("reservation vanished after lost acquire"), false)
		}
		return m.resolve(w, key, raw, hash)
	}
	return m.execute(storeCtx, w, r, next, key, hash, span)
}

// resolve answers a request whose key already has a record.
func (m *Middleware) resolve(w http.ResponseWriter, key, raw, hash string) Outcome {
	rec, err := DecodeRecord(raw)
	if err != nil {
		m.logger.Warn("idempotency.record.corrupt", "key", key, "error", err)
		httpx.Error(w, http.StatusConflict, msgCorruptRecord)
		return OutcomeConflictCorrupt
	}
	if rec.Hash() != hash {
		httpx.Error(w, http.StatusConflict, msgPayloadMismatch)
		return OutcomeConflictMismatch
	}
	switch r := rec.(type) {
	case Done:
		writeReplay(w, r)
		return OutcomeReplayed
	default:
		w.Header().Set("Retry-After", "1")
		httpx.Error(w, http.StatusConflict, msgStillProcessing)
		return OutcomeConflictInProgress
	}
}

func (m *Middleware) execute(ctx context.Context, w http.ResponseWriter, r *http.Request, next http.Handler, key, hash string, span trace.Span) Outcome {
	headersBefore := w.Header().Clone()
	capture := newResponseCapture(w, m.cfg.MaxResponseBytes)
	defer func() {
		if p := recover(); p != nil {
			m.release(ctx, key)
			m.finish(span, OutcomeHandlerFailed)
			panic(p)
		}
	}()
	next.ServeHTTP(capture, r)

	if capture.bypassed() {
		m.release(ctx, key)
		return OutcomeBypassResponse
	}
	if capture.status >= http.StatusInternalServerError {
		m.release(ctx, key)
		m.commit(capture, key)
		return OutcomeHandlerFailed
	}
	done, err := EncodeRecord(Done{
		RequestHash: hash,
		Status:      capture.status,
		ContentType: capture.contentType(),
		Body:        capture.body(),
	})
	if err == nil {
		err = m.set(ctx, key, done)
	}
	if err != nil {
		resetHeader(w.Header(), headersBefore)
		return m.failClosed(ctx, w, key, err, true)
	}
	m.commit(capture, key)
	return OutcomeExecuted
}

func (m *Middleware) commit(capture *responseCapture, key string) {
	if err := capture.commit(); err != nil {
		m.logger.Debug("idempotency.response.write_failed", "key", key, "error", err)
	}
}

// failClosed refuses the request when the store cannot be trusted. When the
// failing step may have written a record, that record is removed first.
func (m *Middleware) failClosed(ctx context.Context, w http.ResponseWriter, key string, err error, cleanup bool) Outcome {
	m.logger.Warn("idempotency.store.unavailable", "key", key, "error", err)
	if cleanup {
		m.release(ctx, key)
	}
	w.Header().Set("Retry-After", "1")
	httpx.Error(w, http.StatusServiceUnavailable, msgStoreDown)
	return OutcomeStoreUnavailable
}

// release deletes a reservation. Failures are logged and never surface.
func (m *Middleware) release(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	start := time.Now()
	err := m.store.Delete(ctx, key)
	m.observer.ObserveStoreCall("delete", time.Since(start), err)
	if err != nil {
		m.logger.Warn("idempotency.store.delete_failed", "key", key, "error", err)
	}
}

func (m *Middleware) get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	start := time.Now()
	raw, found, err := m.store.Get(ctx, key)
	m.observer.ObserveStoreCall("get", time.Since(start), err)
	if err != nil {
		return "", false, &StoreError{Op: "get", Key: key, Err: err}
	}
	return raw, found, nil
}

func (m *Middleware) acquire(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	start := time.Now()
	ok, err := m.store.Acquire(ctx, key, value, m.cfg.PendingTTL)
	m.observer.ObserveStoreCall("acquire", time.Since(start), err)
	if err != nil {
		return false, &StoreError{Op: "acquire", Key: key, Err: err}
	}
	return ok, nil
}

func (m *Middleware) set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	start := time.Now()
	err := m.store.Set(ctx, key, value, m.cfg.ResponseTTL)
	m.observer.ObserveStoreCall("set", time.Since(start), err)
	if err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func writeReplay(w http.ResponseWriter, d Done) {
	contentType := d.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set(ReplayHeader, "true")
	w.WriteHeader(d.Status)
	if len(d.Body) > 0 {
		_, _ = w.Write(d.Body)
	}
}

type bodyReadCloser struct {
	io.Reader
	io.Closer
}

// readBody buffers a request body of at most limit bytes and rewinds r.Body
// so the handler still sees it. Larger bodies are reported as tooLarge and
// left streamable.
func readBody(r *http.Request, limit int64) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	if r.ContentLength > limit {
		return nil, true, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		r.Body = bodyReadCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
		return nil, true, nil
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, false, nil
}

func resetHeader(h, to http.Header) {
	for k := range h {
		delete(h, k)
	}
	for k, v := range to {
		h[k] = v
	}
}
