package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"marketplace/pkg/audit"
	"marketplace/pkg/auth"
	"marketplace/pkg/events"
	"marketplace/pkg/httpx"
	"marketplace/pkg/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

const defaultMaxBodyBytes = 1 << 20

// Service serves the order endpoints. Handlers are not idempotent on their
// own; mount them behind idempotency.Middleware with ProtectedRoutes.
type Service struct {
	repo      Repository
	publisher events.Publisher
	audit     audit.Sink
	logger    pslog.Logger
	now       func() time.Time
	newID     func() string
	keyHeader string
	maxBody   int64
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithAudit records every committed mutation in sink.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

func WithLogger(logger pslog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithKeyHeader names the header whose value is copied into published events.
func WithKeyHeader(name string) Option {
	return func(s *Service) {
		if strings.TrimSpace(name) != "" {
			s.keyHeader = name
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		publisher: events.NoopPublisher{},
		logger:    pslog.NoopLogger(),
		now:       time.Now,
		newID:     uuid.NewString,
		keyHeader: idempotency.DefaultKeyHeader,
		maxBody:   defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount registers the order endpoints on r.
func (s *Service) Mount(r chi.Router) {
	r.Post("/orders", s.createOrder)
	r.Get("/orders/{id}", s.getOrder)
	r.Post("/orders/{id}/cancel", s.cancelOrder)
	r.Delete("/orders/{id}", s.deleteOrder)
	r.Post("/cart/me/checkout", s.checkout)
}

type createOrderRequest struct {
	Items []Item `json:"items"`
}

type checkoutLine struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

type checkoutRequest struct {
	Lines []checkoutLine `json:"lines"`
	Note  string         `json:"note,omitempty"`
}

func (s *Service) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !httpx.DecodeJSON(w, r, s.maxBody, &req) {
		return
	}
	s.place(w, r, req.Items, "")
}

func (s *Service) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !httpx.DecodeJSON(w, r, s.maxBody, &req) {
		return
	}
	items := make([]Item, 0, len(req.Lines))
	for _, line := range req.Lines {
		items = append(items, Item(line))
	}
	s.place(w, r, items, req.Note)
}

func (s *Service) place(w http.ResponseWriter, r *http.Request, items []Item, note string) {
	if err := ValidateItems(items); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	o := Order{
		ID:         s.newID(),
		Actor:      auth.Actor(r),
		Items:      items,
		TotalCents: totalCents(items),
		Status:     StatusPlaced,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.Create(r.Context(), o); err != nil {
		s.logger.Error("orders.create_failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "could not create order")
		return
	}
	s.record(r, audit.ActionOrderCreated, o.ID, auditDetail{TotalCents: o.TotalCents, Items: len(o.Items), Note: note})
	s.publish(r, events.TypeOrderCreated, o)
	httpx.WriteJSON(w, http.StatusCreated, o)
}

func (s *Service) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (s *Service) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.load(w, r); !ok {
		return
	}
	o, err := s.repo.Cancel(r.Context(), chi.URLParam(r, "id"), s.now())
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	s.record(r, audit.ActionOrderCancelled, o.ID, auditDetail{TotalCents: o.TotalCents, Items: len(o.Items)})
	s.publish(r, events.TypeOrderCancelled, o)
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (s *Service) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.load(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.repo.Delete(r.Context(), id); err != nil {
		s.writeRepoError(w, err)
		return
	}
	s.record(r, audit.ActionOrderDeleted, id, auditDetail{})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) load(w http.ResponseWriter, r *http.Request) (Order, bool) {
	o, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRepoError(w, err)
		return Order{}, false
	}
	if !o.visibleTo(auth.Actor(r)) {
		httpx.Error(w, http.StatusNotFound, "order not found")
		return Order{}, false
	}
	return o, true
}

func (s *Service) writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "order not found")
	case errors.Is(err, ErrAlreadyCancelled):
		httpx.Error(w, http.StatusConflict, "order already cancelled")
	default:
		s.logger.Error("orders.repository_failed", "error", err)
		httpx.Error(w, http.StatusInternalServerError, "order store unavailable")
	}
}

// publish never fails the request: the mutation is already committed and a
// 5xx here would release the idempotency key and invite a duplicate.
func (s *Service) publish(r *http.Request, eventType string, o Order) {
	evt, err := events.New(eventType, o.ID, o)
	if err != nil {
		s.logger.Warn("orders.event.encode_failed", "type", eventType, "order", o.ID, "error", err)
		return
	}
	evt.Actor = o.Actor
	evt.IdempotencyKey = strings.TrimSpace(r.Header.Get(s.keyHeader))
	if err := s.publisher.Publish(context.WithoutCancel(r.Context()), evt); err != nil {
		s.logger.Warn("orders.event.publish_failed", "type", eventType, "order", o.ID, "error", err)
	}
}

type auditDetail struct {
	TotalCents int64  `json:"totalCents,omitempty"`
	Items      int    `json:"items,omitempty"`
	Note       string `json:"note,omitempty"`
}

// record follows the same rule as publish: failures are logged only.
func (s *Service) record(r *http.Request, action, orderID string, detail auditDetail) {
	if s.audit == nil {
		return
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		s.logger.Warn("orders.audit.encode_failed", "action", action, "order", orderID, "error", err)
		return
	}
	rec := audit.Record{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		Action:         action,
		Actor:          auth.Actor(r),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(s.keyHeader)),
		Detail:         raw,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.audit.Append(context.WithoutCancel(r.Context()), rec); err != nil {
		s.logger.Warn("orders.audit.append_failed", "action", action, "order", orderID, "error", err)
	}
}
