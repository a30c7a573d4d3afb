package idempotency

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"
)

// ActorFunc resolves the actor scope of a request. An empty result means
// anonymous.
type ActorFunc func(r *http.Request) string

type Option func(*Middleware)

func WithLogger(logger pslog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(m *Middleware) {
		if obs != nil {
			m.observer = obs
		}
	}
}

func WithActorFunc(fn ActorFunc) Option {
	return func(m *Middleware) {
		if fn != nil {
			m.actor = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		if now != nil {
			m.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Middleware) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// HeaderActor reads the actor scope from a request header.
func HeaderActor(header string) ActorFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(header))
	}
}
