// Package idempotency is HTTP middleware that executes a protected mutation at
// most once per client-supplied idempotency key, across every instance that
// shares one reservation store.
//
// A protected request moves its key through NONE -> PENDING -> DONE:
//
//   - no record: the request atomically acquires a PENDING record and runs the
//     handler; a 2xx-4xx result is stored as DONE, a 5xx result, a panic or an
//     oversized response deletes the record so the client may retry;
//   - PENDING with the same fingerprint: 409, the first attempt is still running;
//   - DONE with the same fingerprint: the stored response is replayed verbatim
//     with X-Idempotent-Replay: true;
//   - any record with a different fingerprint: 409, the key was used for
//     another payload.
//
// When the store fails the middleware answers 503 and never runs the handler
// unprotected.
//
// Usage:
//
//	routes, _ := idempotency.NewRoutes([]idempotency.Route{{Method: "POST", Path: "/orders"}})
//	mw, err := idempotency.New(store.NewRedisStore(client), routes, idempotency.DefaultConfig(),
//	    idempotency.WithLogger(logger),
//	)
//	router.Use(mw.Handler)
package idempotency
