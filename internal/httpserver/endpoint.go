package httpserver

import "net/http"

type endpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// endpoint groups the routes of one surface so the router can register them
// together.
type endpoint interface {
	Name() string
	Routes() []endpointRoute
}

type askEndpoint struct {
	server *Server
}

func newAskEndpoint(server *Server) endpoint {
	return &askEndpoint{server: server}
}

func (e *askEndpoint) Name() string { return "ask" }

func (e *askEndpoint) Routes() []endpointRoute {
	s := e.server
	return []endpointRoute{
		{Method: http.MethodPost, Path: "/ask", Handler: s.limited(s.instrument("ask", s.handleAsk))},
		{Method: http.MethodPost, Path: "/ask/prepare", Handler: s.limited(s.instrument("prepare", s.handlePrepare))},
		{Method: http.MethodGet, Path: "/ask/sse/{id}", Handler: http.HandlerFunc(s.handleSSE)},
		{Method: http.MethodGet, Path: "/ask/ws/{id}", Handler: http.HandlerFunc(s.handleWebSocket)},
	}
}

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []endpointRoute {
	return []endpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.handleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.handleMetrics)},
	}
}

type usageEndpoint struct {
	server *Server
}

// newUsageEndpoint returns nil when no ledger is configured.
func newUsageEndpoint(server *Server) endpoint {
	if server.ledger == nil {
		return nil
	}
	return &usageEndpoint{server: server}
}

func (e *usageEndpoint) Name() string { return "usage" }

func (e *usageEndpoint) Routes() []endpointRoute {
	return []endpointRoute{
		{Method: http.MethodGet, Path: "/usage/summary", Handler: http.HandlerFunc(e.server.handleUsageSummary)},
		{Method: http.MethodGet, Path: "/usage/recent", Handler: http.HandlerFunc(e.server.handleUsageRecent)},
	}
}
