package proxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/routstr/arbstr/internal/config"
)

type (
	// UpstreamClient issues chat-completion requests to providers. It keeps
	// two fasthttp clients: a buffered one for non-streaming requests and a
	// streaming one whose responses expose the body as an io.Reader so SSE
	// bytes can be piped through without buffering whole streams.
	UpstreamClient struct {
		buffered *fasthttp.Client
		streamed *fasthttp.Client
	}

	// upstreamReply is a fully buffered provider response.
	upstreamReply struct {
		status      int
		body        []byte
		contentType string
	}
)

// NewUpstreamClient builds the provider-facing HTTP clients.
func NewUpstreamClient() *UpstreamClient {
	dial := func(addr string) (net.Conn, error) {
		return fasthttp.DialTimeout(addr, upstreamConnectTimeout)
	}
	return &UpstreamClient{
		buffered: &fasthttp.Client{
			Name:         "arbstr",
			Dial:         dial,
			ReadTimeout:  upstreamTimeout,
			WriteTimeout: upstreamConnectTimeout,
		},
		streamed: &fasthttp.Client{
			Name: "arbstr",
			Dial: dial,
			// No ReadTimeout: a healthy stream may legitimately stay open
			// for minutes while tokens trickle out.
			WriteTimeout:       upstreamConnectTimeout,
			StreamResponseBody: true,
		},
	}
}

// ChatCompletion sends one buffered request to the provider. The deadline
// is the earlier of the context's and the flat upstream cap. The reply is
// copied out of fasthttp's pooled buffers, so it stays valid after return.
func (u *UpstreamClient) ChatCompletion(ctx context.Context, p *config.Provider, body []byte, correlationID string) (*upstreamReply, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	prepareUpstreamRequest(req, p, body)
	// Retries of the same logical request carry the same key, letting an
	// idempotency-aware provider dedupe double-billing.
	req.Header.Set("Idempotency-Key", correlationID)

	deadline := time.Now().Add(upstreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.buffered.DoDeadline(req, resp, deadline); err != nil {
		return nil, err
	}

	return &upstreamReply{
		status:      resp.StatusCode(),
		body:        append([]byte(nil), resp.Body()...),
		contentType: string(resp.Header.ContentType()),
	}, nil
}

// ChatCompletionStream sends a streaming request and returns once response
// headers arrive; the body is left unread on resp.BodyStream(). The caller
// owns the response and must release it with CloseStream.
func (u *UpstreamClient) ChatCompletionStream(p *config.Provider, body []byte) (*fasthttp.Response, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()

	prepareUpstreamRequest(req, p, body)

	if err := u.streamed.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, err
	}
	return resp, nil
}

// CloseStream closes a streaming response body and returns the response to
// fasthttp's pool.
func CloseStream(resp *fasthttp.Response) {
	_ = resp.CloseBodyStream()
	fasthttp.ReleaseResponse(resp)
}

func prepareUpstreamRequest(req *fasthttp.Request, p *config.Provider, body []byte) {
	req.SetRequestURI(chatCompletionsURL(p.URL))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if !p.APIKey.IsZero() {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+p.APIKey.Value())
	}
	req.SetBody(body)
}

// chatCompletionsURL joins a provider base URL with the completions path.
func chatCompletionsURL(base string) string {
	return strings.TrimRight(base, "/") + "/chat/completions"
}

// isTimeoutError reports whether err is a deadline-style failure rather
// than a hard transport error such as a refused connection.
func isTimeoutError(err error) bool {
	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrTLSHandshakeTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

const (
	// upstreamTimeout caps a single buffered upstream request.
	upstreamTimeout = 120 * time.Second

	// upstreamConnectTimeout bounds dialing and request writing.
	upstreamConnectTimeout = 10 * time.Second
)
