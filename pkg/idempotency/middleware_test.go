package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

type fakeStore struct {
	mu      sync.Mutex
	items   map[string]string
	ttls    map[string]time.Duration
	deletes []string

	getErr     error
	acquireErr error
	setErr     error
	deleteErr  error
	// acquireLoses makes Acquire report a lost race without a record.
	acquireLoses bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *fakeStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		s.items[key] = value
		return false, s.acquireErr
	}
	if s.acquireLoses {
		return false, nil
	}
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	s.items[key] = value
	s.ttls[key] = ttl
	return true, nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *fakeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.items[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, key)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.items, key)
	return nil
}

func (s *fakeStore) record(t *testing.T, key string) (Record, bool) {
	t.Helper()
	s.mu.Lock()
	raw, ok := s.items[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	return rec, true
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	calls    map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: map[Outcome]int{}, calls: map[string]int{}}
}

func (o *countingObserver) ObserveOutcome(outcome Outcome) {
	o.mu.Lock()
	o.outcomes[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveStoreCall(op string, _ time.Duration, _ error) {
	o.mu.Lock()
	o.calls[op]++
	o.mu.Unlock()
}

func (o *countingObserver) count(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

var orderRoutes = RoutePolicyFunc(func(method, path string) bool {
	return method == http.MethodPost && (path == "/orders" || path == "/stream" || path == "/big")
})

func newTestMiddleware(t *testing.T, st Store, opts ...Option) *Middleware {
	t.Helper()
	return newTestMiddlewareWithConfig(t, st, DefaultConfig(), opts...)
}

func newTestMiddlewareWithConfig(t *testing.T, st Store, cfg Config, opts ...Option) *Middleware {
	t.Helper()
	mw, err := New(st, orderRoutes, cfg, opts...)
	if err != nil {
		t.Fatalf("new middleware: %v", err)
	}
	return mw
}

func createdHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/orders/o-1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "o-1", "call": n, "echo": string(body)})
	})
}

func postOrder(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set(DefaultKeyHeader, key)
	}
	req.Header.Set(DefaultActorHeader, "user-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload["error"]
}

func orderKey(key string) string {
	return BuildKey(DefaultKeyPrefix, "user-1", http.MethodPost, "/orders", key)
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, orderRoutes, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(newFakeStore(), nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil policy")
	}
	cfg := DefaultConfig()
	cfg.PendingTTL = 48 * time.Hour
	if _, err := New(newFakeStore(), orderRoutes, cfg); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestReplayReturnsStoredResponse(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(createdHandler(&calls))

	first := postOrder(h, "K1", `{"sku":"A"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Fatal("first response must not be marked as replay")
	}
	rec, ok := st.record(t, orderKey("K1"))
	if !ok {
		t.Fatal("expected done record stored")
	}
	if _, isDone := rec.(Done); !isDone {
		t.Fatalf("expected Done record, got %T", rec)
	}
	if st.ttls[orderKey("K1")] != 24*time.Hour {
		t.Fatalf("expected response ttl, got %s", st.ttls[orderKey("K1")])
	}

	second := postOrder(h, "K1", `{"sku":"A"}`)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatal("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", second.Header().Get("Content-Type"))
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
}

func TestReplayDefaultsContentTypeAndEmptyBody(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	if rec := postOrder(h, "K1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	replay := postOrder(h, "K1", "")
	if replay.Code != http.StatusNoContent || replay.Body.Len() != 0 {
		t.Fatalf("unexpected replay: %d %q", replay.Code, replay.Body.String())
	}
	if replay.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected default content type, got %q", replay.Header().Get("Content-Type"))
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
}

func TestHeadersSetAfterWriteHeaderAreNotRecorded(t *testing.T) {
	st := newFakeStore()
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Late", "1")
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}))

	first := postOrder(h, "K1", `{"sku":"A"}`)
	if first.Result().Header.Get("X-Late") != "" {
		t.Fatal("late header leaked to the client")
	}
	rec, ok := st.record(t, orderKey("K1"))
	if !ok {
		t.Fatal("expected done record stored")
	}
	if done := rec.(Done); done.ContentType != "application/json" {
		t.Fatalf("expected recorded content type from WriteHeader time, got %q", done.ContentType)
	}
	replay := postOrder(h, "K1", `{"sku":"A"}`)
	if replay.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay content type %q", replay.Header().Get("Content-Type"))
	}
}

func TestClientErrorsAreRecorded(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "out of stock", http.StatusUnprocessableEntity)
	}))
	postOrder(h, "K1", "{}")
	replay := postOrder(h, "K1", "{}")
	if replay.Code != http.StatusUnprocessableEntity || replay.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replayed 422, got %d", replay.Code)
	}
	if !strings.HasPrefix(replay.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("expected original content type, got %q", replay.Header().Get("Content-Type"))
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	st := newFakeStore()
	var calls int32
	release := make(chan struct{})
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}))

	const n = 16
	codes := make(chan int, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			codes <- postOrder(h, "K1", `{"sku":"A"}`).Code
			return nil
		})
	}

	conflicts := 0
	for i := 0; i < n-1; i++ {
		select {
		case code := <-codes:
			if code != http.StatusConflict {
				t.Fatalf("expected duplicate to get 409, got %d", code)
			}
			conflicts++
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for duplicates")
		}
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code := <-codes; code != http.StatusCreated {
		t.Fatalf("expected winner to get 201, got %d", code)
	}
	if conflicts != n-1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one execution and %d conflicts, got %d executions %d conflicts", n-1, calls, conflicts)
	}
	if replay := postOrder(h, "K1", `{"sku":"A"}`); replay.Code != http.StatusCreated || replay.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay after completion, got %d", replay.Code)
	}
}

func TestPendingRecordReturnsInProgress(t *testing.T) {
	st := newFakeStore()
	hash := Fingerprint(http.MethodPost, "/orders", "", []byte(`{"sku":"A"}`))
	raw, _ := EncodeRecord(Pending{RequestHash: hash, CreatedAt: time.Now()})
	st.items[orderKey("K1")] = raw

	var calls int32
	rec := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", `{"sku":"A"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != msgStillProcessing {
		t.Fatalf("unexpected message %q", msg)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatal("expected Retry-After on in-progress conflict")
	}
	if calls != 0 {
		t.Fatal("handler must not run while pending")
	}
}

func TestPayloadMismatchConflicts(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(createdHandler(&calls))
	postOrder(h, "K1", `{"sku":"A"}`)

	rec := postOrder(h, "K1", `{"sku":"B"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); !strings.Contains(msg, "different request payload") {
		t.Fatalf("unexpected message %q", msg)
	}

	// Also while the first attempt is still pending.
	other := Fingerprint(http.MethodPost, "/orders", "", []byte(`{"sku":"A"}`))
	raw, _ := EncodeRecord(Pending{RequestHash: other, CreatedAt: time.Now()})
	st.items[orderKey("K2")] = raw
	rec = postOrder(h, "K2", `{"sku":"B"}`)
	if rec.Code != http.StatusConflict || !strings.Contains(errorMessage(t, rec), "different request payload") {
		t.Fatalf("expected mismatch for pending record, got %d %s", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
}

func TestQueryStringIsPartOfFingerprint(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(createdHandler(&calls))
	for _, target := range []string{"/orders?dry_run=false", "/orders?dry_run=true"} {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader("{}"))
		req.Header.Set(DefaultKeyHeader, "K1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if target == "/orders?dry_run=true" && rec.Code != http.StatusConflict {
			t.Fatalf("expected query change to conflict, got %d", rec.Code)
		}
	}
}

func TestCorruptRecordConflicts(t *testing.T) {
	st := newFakeStore()
	st.items[orderKey("K1")] = "{garbage"
	var calls int32
	rec := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", "{}")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != msgCorruptRecord {
		t.Fatalf("unexpected message %q", msg)
	}
	if calls != 0 {
		t.Fatal("handler must not run on corrupt record")
	}
}

func TestMissingOrInvalidKeyRejected(t *testing.T) {
	st := newFakeStore()
	var calls int32
	cfg := DefaultConfig()
	cfg.MaxKeyLength = 8
	h := newTestMiddlewareWithConfig(t, st, cfg).Handler(createdHandler(&calls))

	rec := postOrder(h, "", "{}")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "Idempotency-Key header is required" {
		t.Fatalf("unexpected message %q", msg)
	}
	if rec := postOrder(h, "   ", "{}"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank key, got %d", rec.Code)
	}
	if rec := postOrder(h, "123456789", "{}"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for long key, got %d", rec.Code)
	}
	if calls != 0 || st.len() != 0 {
		t.Fatalf("expected no execution and no records, got %d calls %d records", calls, st.len())
	}
}

func TestUnprotectedRoutesPassThrough(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(createdHandler(&calls))
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || calls != 1 || st.len() != 0 {
		t.Fatalf("expected untouched pass-through, got %d calls=%d records=%d", rec.Code, calls, st.len())
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	st := newFakeStore()
	cfg := DefaultConfig()
	cfg.Enabled = false
	var calls int32
	h := newTestMiddlewareWithConfig(t, st, cfg).Handler(createdHandler(&calls))
	postOrder(h, "", "{}")
	postOrder(h, "K1", "{}")
	if calls != 2 || st.len() != 0 {
		t.Fatalf("expected both requests executed without records, got %d calls %d records", calls, st.len())
	}
}

func TestContextPrefixIsStripped(t *testing.T) {
	st := newFakeStore()
	cfg := DefaultConfig()
	cfg.ContextPrefix = "/api"
	var calls int32
	h := newTestMiddlewareWithConfig(t, st, cfg).Handler(createdHandler(&calls))
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("{}"))
	req.Header.Set(DefaultKeyHeader, "K1")
	req.Header.Set(DefaultActorHeader, "user-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if _, ok := st.record(t, orderKey("K1")); !ok {
		t.Fatal("expected record keyed by the normalized path")
	}
}

func TestActorsHaveSeparateNamespaces(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(createdHandler(&calls))
	for _, actor := range []string{"alice", "bob", ""} {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{}"))
		req.Header.Set(DefaultKeyHeader, "K1")
		if actor != "" {
			req.Header.Set(DefaultActorHeader, actor)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated || rec.Header().Get(ReplayHeader) != "" {
			t.Fatalf("actor %q: expected fresh execution, got %d", actor, rec.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("expected three executions, got %d", calls)
	}
	anon := BuildKey(DefaultKeyPrefix, AnonymousScope, http.MethodPost, "/orders", "K1")
	if _, ok := st.record(t, anon); !ok {
		t.Fatal("expected anonymous record")
	}
}

func TestCustomActorFunc(t *testing.T) {
	st := newFakeStore()
	var calls int32
	mw := newTestMiddleware(t, st, WithActorFunc(func(*http.Request) string { return "tenant-7" }))
	postOrder(mw.Handler(createdHandler(&calls)), "K1", "{}")
	key := BuildKey(DefaultKeyPrefix, "tenant-7", http.MethodPost, "/orders", "K1")
	if _, ok := st.record(t, key); !ok {
		t.Fatal("expected record under custom actor scope")
	}
}

func TestServerErrorReleasesKey(t *testing.T) {
	st := newFakeStore()
	var calls int32
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "db down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := postOrder(h, "K1", "{}")
	if first.Code != http.StatusInternalServerError || !strings.Contains(first.Body.String(), "db down") {
		t.Fatalf("expected handler's 500 to reach client, got %d %q", first.Code, first.Body.String())
	}
	if st.len() != 0 {
		t.Fatal("expected reservation released after 5xx")
	}
	if second := postOrder(h, "K1", "{}"); second.Code != http.StatusCreated || second.Header().Get(ReplayHeader) != "" {
		t.Fatalf("expected retry to execute, got %d", second.Code)
	}
	if calls != 2 {
		t.Fatalf("expected two executions, got %d", calls)
	}
}

func TestHandlerPanicReleasesKeyAndPropagates(t *testing.T) {
	st := newFakeStore()
	obs := newCountingObserver()
	var calls int32
	h := newTestMiddleware(t, st, WithObserver(obs)).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusCreated)
	}))

	func() {
		defer func() {
			if p := recover(); p != "boom" {
				t.Fatalf("expected panic to propagate, got %v", p)
			}
		}()
		postOrder(h, "K1", "{}")
	}()
	if st.len() != 0 {
		t.Fatal("expected reservation released after panic")
	}
	if obs.count(OutcomeHandlerFailed) != 1 {
		t.Fatalf("expected handler_failed outcome, got %d", obs.count(OutcomeHandlerFailed))
	}
	if rec := postOrder(h, "K1", "{}"); rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
}

func TestStoreGetFailureFailsClosed(t *testing.T) {
	st := newFakeStore()
	st.getErr = errors.New("connection refused")
	var calls int32
	rec := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", "{}")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != msgStoreDown {
		t.Fatalf("unexpected message %q", msg)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if calls != 0 {
		t.Fatal("handler must not run when the store is down")
	}
	if len(st.deletes) != 0 {
		t.Fatalf("expected no cleanup after failed read, got %v", st.deletes)
	}
}

func TestStoreAcquireFailureCleansUp(t *testing.T) {
	st := newFakeStore()
	st.acquireErr = errors.New("i/o timeout")
	var calls int32
	rec := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", "{}")
	if rec.Code != http.StatusServiceUnavailable || calls != 0 {
		t.Fatalf("expected 503 without execution, got %d calls=%d", rec.Code, calls)
	}
	if len(st.deletes) != 1 || st.deletes[0] != orderKey("K1") {
		t.Fatalf("expected cleanup delete, got %v", st.deletes)
	}
	if st.len() != 0 {
		t.Fatal("expected partially written record removed")
	}
}

func TestStoreSetFailureDiscardsResponse(t *testing.T) {
	st := newFakeStore()
	st.setErr = errors.New("READONLY replica")
	var calls int32
	rec := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", "{}")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Fatal("handler headers must not leak into the 503")
	}
	if calls != 1 {
		t.Fatalf("expected single execution, got %d", calls)
	}
	if st.len() != 0 {
		t.Fatal("expected pending record removed after failed completion")
	}
}

func TestLostRaceWithoutRecordFailsClosed(t *testing.T) {
	st := newFakeStore()
	st.acquireLoses = true
	var calls int32
	rec := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", "{}")
	if rec.Code != http.StatusServiceUnavailable || calls != 0 {
		t.Fatalf("expected 503 without execution, got %d calls=%d", rec.Code, calls)
	}
}

func TestDeleteFailureIsSwallowed(t *testing.T) {
	st := newFakeStore()
	st.deleteErr = errors.New("connection reset")
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	if rec := postOrder(h, "K1", "{}"); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected handler status despite delete failure, got %d", rec.Code)
	}
}

func TestOversizedRequestBypasses(t *testing.T) {
	st := newFakeStore()
	cfg := DefaultConfig()
	cfg.MaxRequestBytes = 8
	var seen string
	h := newTestMiddlewareWithConfig(t, st, cfg).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusCreated)
	}))

	body := strings.Repeat("x", 32)
	rec := postOrder(h, "K1", body)
	if rec.Code != http.StatusCreated || rec.Header().Get(BypassHeader) != BypassRequestTooLarge {
		t.Fatalf("expected bypassed 201, got %d %q", rec.Code, rec.Header().Get(BypassHeader))
	}
	if seen != body {
		t.Fatalf("handler saw truncated body %q", seen)
	}

	// Unknown length: the body is read past the limit then restored.
	req := httptest.NewRequest(http.MethodPost, "/orders", io.MultiReader(strings.NewReader(body)))
	req.ContentLength = -1
	req.Header.Set(DefaultKeyHeader, "K2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get(BypassHeader) != BypassRequestTooLarge || seen != body {
		t.Fatalf("expected streamed bypass with full body, got %q", seen)
	}
	if st.len() != 0 {
		t.Fatal("bypassed requests must not create records")
	}
}

func TestOversizedResponseBypassesAndReleases(t *testing.T) {
	st := newFakeStore()
	cfg := DefaultConfig()
	cfg.MaxResponseBytes = 16
	big := strings.Repeat("y", 64)
	h := newTestMiddlewareWithConfig(t, st, cfg).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(big[:10]))
		_, _ = w.Write([]byte(big[10:]))
	}))
	rec := postOrder(h, "K1", "{}")
	if rec.Code != http.StatusOK || rec.Body.String() != big {
		t.Fatalf("expected full body passed through, got %d len=%d", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get(BypassHeader) != BypassResponseTooLarge {
		t.Fatalf("expected response bypass header, got %q", rec.Header().Get(BypassHeader))
	}
	if st.len() != 0 {
		t.Fatal("expected reservation released for oversized response")
	}
}

func TestStreamingResponseBypasses(t *testing.T) {
	st := newFakeStore()
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("event: 1\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = w.Write([]byte("event: 2\n"))
	}))
	req := httptest.NewRequest(http.MethodPost, "/stream", nil)
	req.Header.Set(DefaultKeyHeader, "K1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get(BypassHeader) != BypassStreaming {
		t.Fatalf("expected streaming bypass, got %q", rec.Header().Get(BypassHeader))
	}
	if rec.Body.String() != "event: 1\nevent: 2\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if st.len() != 0 {
		t.Fatal("expected reservation released for streamed response")
	}
}

func TestClientDisconnectStillCompletes(t *testing.T) {
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	h := newTestMiddleware(t, st).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		cancel()
		<-r.Context().Done()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}))
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{}")).WithContext(ctx)
	req.Header.Set(DefaultKeyHeader, "K1")
	req.Header.Set(DefaultActorHeader, "user-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec, ok := st.record(t, orderKey("K1"))
	if !ok {
		t.Fatal("expected completion to be persisted after disconnect")
	}
	if d, isDone := rec.(Done); !isDone || d.Status != http.StatusCreated {
		t.Fatalf("expected Done 201, got %#v", rec)
	}
	if replay := postOrder(newTestMiddleware(t, st).Handler(createdHandler(&calls)), "K1", "{}"); replay.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected retry to replay, got %d", replay.Code)
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
}

func TestPendingRecordUsesPendingTTLAndClock(t *testing.T) {
	st := newFakeStore()
	fixed := time.UnixMilli(1_700_000_000_000).UTC()
	var seen Record
	mw := newTestMiddleware(t, st, WithClock(func() time.Time { return fixed }))
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = st.record(t, orderKey("K1"))
		if st.ttls[orderKey("K1")] != mw.Config().PendingTTL {
			t.Errorf("expected pending ttl, got %s", st.ttls[orderKey("K1")])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	postOrder(h, "K1", "{}")
	p, ok := seen.(Pending)
	if !ok {
		t.Fatalf("expected Pending during execution, got %T", seen)
	}
	if !p.CreatedAt.Equal(fixed) {
		t.Fatalf("expected createdAt from clock, got %s", p.CreatedAt)
	}
}

func TestObserverSeesOutcomesAndStoreCalls(t *testing.T) {
	st := newFakeStore()
	obs := newCountingObserver()
	var calls int32
	h := newTestMiddleware(t, st, WithObserver(obs)).Handler(createdHandler(&calls))
	postOrder(h, "K1", "{}")
	postOrder(h, "K1", "{}")
	postOrder(h, "", "{}")
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if obs.count(OutcomeExecuted) != 1 || obs.count(OutcomeReplayed) != 1 || obs.count(OutcomeMissingKey) != 1 || obs.count(OutcomePassthrough) != 1 {
		t.Fatalf("unexpected outcomes: %v", obs.outcomes)
	}
	if obs.calls["acquire"] != 1 || obs.calls["set"] != 1 || obs.calls["get"] != 2 {
		t.Fatalf("unexpected store calls: %v", obs.calls)
	}
}

func TestStoreErrorMatchesUnavailable(t *testing.T) {
	err := error(&StoreError{Op: "get", Key: "k", Err: context.DeadlineExceeded})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatal("expected StoreError to match ErrStoreUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected StoreError to unwrap cause")
	}
	if !strings.Contains(err.Error(), "get") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestStoreFailuresAreLogged(t *testing.T) {
	var logBuf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &logBuf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
	st := newFakeStore()
	st.setErr = errors.New("READONLY replica")
	st.deleteErr = errors.New("connection reset")
	var calls int32
	postOrder(newTestMiddleware(t, st, WithLogger(logger)).Handler(createdHandler(&calls)), "K1", "{}")

	out := logBuf.String()
	for _, want := range []string{"idempotency.store.unavailable", "idempotency.store.delete_failed", "READONLY replica"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}
