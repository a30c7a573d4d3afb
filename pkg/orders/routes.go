package orders

import (
	"net/http"

	"marketplace/pkg/idempotency"
)

// ProtectedRouteList is the set of order mutations that require an
// idempotency key. Reads are never listed.
func ProtectedRouteList() []idempotency.Route {
	return []idempotency.Route{
		{Method: http.MethodPost, Path: "/orders"},
		{Method: http.MethodPost, Path: "/orders/{id}/cancel"},
		{Method: http.MethodDelete, Path: "/orders/{id}"},
		{Method: http.MethodPost, Path: "/cart/me/checkout"},
	}
}

func ProtectedRoutes() *idempotency.Routes {
	routes, err := idempotency.NewRoutes(ProtectedRouteList())
	if err != nil {
		panic(err)
	}
	return routes
}
