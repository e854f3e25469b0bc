package proxy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/routstr/arbstr/pkg/apierr"
)

// ctxKeyRequestID is the RequestCtx user-value key holding the correlation
// ID minted for the request.
const ctxKeyRequestID = "request_id"

// recovery catches panics in any handler and returns a 500 without
// crashing the server process. The panic value is logged at ERROR level.
func recovery(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError, "Internal server error")
				}
			}()
			next(ctx)
		}
	}
}

// requestID mints a fresh correlation ID for every request and reflects it
// in the x-arbstr-request-id response header. Client-supplied IDs are not
// echoed: the ID doubles as the request log's unique key, so it must be
// server-issued.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := uuid.New().String()
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue(ctxKeyRequestID, id)
		next(ctx)
	}
}

// accessLog emits one DEBUG line per request with method, path, status and
// handler wall time. For streaming responses the duration covers only the
// handler, not the body drain.
func accessLog(log *slog.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			log.Debug("http request",
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.Int("status", ctx.Response.StatusCode()),
				slog.Duration("duration", time.Since(start)),
			)
		}
	}
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper (executes first on
// request, last on response):
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
