package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds handlers registered on the management listener,
// kept off the public API address.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the public API handler: all routes wrapped in the
// middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/models", g.handleModels)
	r.GET("/v1/stats", g.handleStats)
	r.GET("/v1/requests", g.handleRequests)
	r.GET("/providers", g.handleProviders)
	r.GET("/health", g.handleHealth)

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		accessLog(g.log),
	)
}

// NewServer returns the public API server. WriteTimeout stays disabled:
// an SSE response outlives any fixed cap.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "arbstr",
		ReadTimeout:        30 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: maxRequestBodyBytes,
	}
}

// NewManagementServer returns the management listener server.
func NewManagementServer(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return &fasthttp.Server{
		Handler:      r.Handler,
		Name:         "arbstr-mgmt",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// maxRequestBodyBytes caps chat request bodies well above any realistic
// prompt while keeping a hostile client from ballooning memory.
const maxRequestBodyBytes = 10 << 20
