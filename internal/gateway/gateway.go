// Package gateway authorizes, injects, forwards, and records every proxied
// call. A request moves through resolve → reveal → forward → record; the
// decrypted credential lives only inside the forwarding step and is never
// retained, logged, or copied into usage records.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/usage"
	"github.com/keyrelay/keyrelay/internal/vault"
)

var (
	ErrUnknownEndpoint     = errors.New("unknown endpoint")
	ErrSecretNotConfigured = errors.New("secret not configured for this endpoint")
	ErrPayloadTooLarge     = errors.New("request body exceeds the maximum size")
	ErrUpstreamTimeout     = errors.New("upstream request timed out")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// StatusFor maps a gateway error to the synthetic HTTP status recorded for
// the call and returned to the caller. Upstream-reported statuses pass
// through untouched and never reach this function.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, ErrSecretNotConfigured):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

const (
	DefaultMaxBodyBytes = 5 << 20 // 5 MiB
	DefaultTimeout      = 30 * time.Second
)

// Request is one inbound proxy call. The caller identity is trusted input,
// verified by an external auth layer before it reaches the gateway.
type Request struct {
	OwnerID  string
	Slug     string
	SubPath  string
	RawQuery string
	Method   string
	Header   http.Header
	Body     io.Reader
}

// Response carries the upstream reply back. Body must be closed by the
// caller; closing it releases the upstream connection.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Options tune a Gateway. Zero values fall back to defaults.
type Options struct {
	Client       *http.Client
	MaxBodyBytes int64
	Timeout      time.Duration
}

// Gateway forwards inbound calls to registry-approved upstreams, injecting
// the owner's credential. Invocations are independent and stateless; no lock
// is held while waiting on upstream I/O.
type Gateway struct {
	vault    *vault.Vault
	registry *registry.Registry
	recorder usage.Recorder
	client   *http.Client
	log      *log.Logger
	maxBody  int64
	timeout  time.Duration
}

// New creates a Gateway.
func New(v *vault.Vault, reg *registry.Registry, rec usage.Recorder, logger *log.Logger, opts Options) *Gateway {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			// The gateway is transparent: 3xx responses stream back to the
			// caller rather than being followed with the credential attached.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		vault:    v,
		registry: reg,
		recorder: rec,
		client:   client,
		log:      logger,
		maxBody:  maxBody,
		timeout:  timeout,
	}
}

// Proxy forwards a call to a registry endpoint, injecting the owner's named
// secret as a bearer token. Every terminal outcome, success or failure,
// emits exactly one usage record.
func (g *Gateway) Proxy(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	ep, ok := g.registry.Resolve(req.Slug)
	if !ok {
		g.fail(req.OwnerID, req.Slug, ErrUnknownEndpoint, start)
		return nil, ErrUnknownEndpoint
	}

	body, err := g.readBody(req.Body)
	if err != nil {
		g.fail(req.OwnerID, req.Slug, err, start)
		return nil, err
	}

	secret, err := g.vault.Reveal(req.OwnerID, ep.SecretName)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			err = fmt.Errorf("%w: store %s first", ErrSecretNotConfigured, ep.SecretName)
		}
		g.fail(req.OwnerID, req.Slug, err, start)
		return nil, err
	}

	return g.forward(ctx, upstreamCall{
		owner:      req.OwnerID,
		endpoint:   req.Slug,
		baseURL:    ep.BaseURL,
		subPath:    req.SubPath,
		rawQuery:   req.RawQuery,
		method:     req.Method,
		header:     req.Header,
		body:       body,
		authMode:   vault.AuthBearer,
		credential: secret,
	}, start)
}

// ProxyCustom forwards a call routed by one of the owner's custom secrets:
// the upstream base URL and auth strategy come from the credential record
// instead of the registry.
func (g *Gateway) ProxyCustom(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	endpoint := "custom:" + req.Slug

	body, err := g.readBody(req.Body)
	if err != nil {
		g.fail(req.OwnerID, endpoint, err, start)
		return nil, err
	}

	revealed, err := g.vault.RevealCustom(req.OwnerID, req.Slug)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) || errors.Is(err, vault.ErrInvalidName) {
			err = ErrUnknownEndpoint
		}
		g.fail(req.OwnerID, endpoint, err, start)
		return nil, err
	}

	return g.forward(ctx, upstreamCall{
		owner:      req.OwnerID,
		endpoint:   endpoint,
		baseURL:    revealed.BaseURL,
		subPath:    req.SubPath,
		rawQuery:   req.RawQuery,
		method:     req.Method,
		header:     req.Header,
		body:       body,
		authMode:   revealed.AuthMode,
		authHeader: revealed.HeaderName,
		credential: revealed.Plaintext,
	}, start)
}

type upstreamCall struct {
	owner      string
	endpoint   string
	baseURL    string
	subPath    string
	rawQuery   string
	method     string
	header     http.Header
	body       []byte
	authMode   string
	authHeader string
	credential string
}

func (g *Gateway) forward(ctx context.Context, call upstreamCall, start time.Time) (*Response, error) {
	target, err := joinUpstreamURL(call.baseURL, call.subPath, call.rawQuery)
	if err != nil {
		g.fail(call.owner, call.endpoint, ErrUpstreamUnreachable, start)
		return nil, ErrUpstreamUnreachable
	}

	// The timeout covers the whole upstream exchange. The inbound request's
	// context is the parent, so a caller disconnect cancels the upstream
	// call instead of letting it run unattended.
	ctx, cancel := context.WithTimeout(ctx, g.timeout)

	req, err := http.NewRequestWithContext(ctx, call.method, target, bytes.NewReader(call.body))
	if err != nil {
		cancel()
		g.fail(call.owner, call.endpoint, ErrUpstreamUnreachable, start)
		return nil, ErrUpstreamUnreachable
	}

	copyForwardableHeaders(req.Header, call.header)
	switch call.authMode {
	case vault.AuthCustomHeader:
		req.Header.Set(call.authHeader, call.credential)
	default:
		req.Header.Set("Authorization", "Bearer "+call.credential)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		gerr := ErrUpstreamUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			gerr = ErrUpstreamTimeout
		} else if errors.Is(err, context.Canceled) {
			gerr = fmt.Errorf("%w: caller disconnected", ErrUpstreamUnreachable)
		}
		if g.log != nil {
			g.log.Warn("upstream call failed", "endpoint", call.endpoint, "err", err)
		}
		g.fail(call.owner, call.endpoint, gerr, start)
		return nil, gerr
	}

	// An upstream 4xx/5xx is a successful proxy of a failed call: record the
	// status the upstream reported and stream its body back unmodified.
	g.record(call.owner, call.endpoint, resp.StatusCode, start)

	return &Response{
		Status: resp.StatusCode,
		Header: forwardableResponseHeaders(resp.Header),
		Body:   &cancelOnClose{rc: resp.Body, cancel: cancel},
	}, nil
}

// readBody buffers the inbound body, rejecting anything over the limit
// before a credential is decrypted or an upstream dial is attempted.
func (g *Gateway) readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, g.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > g.maxBody {
		return nil, ErrPayloadTooLarge
	}
	return body, nil
}

func (g *Gateway) fail(owner, endpoint string, err error, start time.Time) {
	g.record(owner, endpoint, StatusFor(err), start)
}

func (g *Gateway) record(owner, endpoint string, status int, start time.Time) {
	if g.recorder == nil {
		return
	}
	g.recorder.Record(usage.Entry{
		OwnerScope: owner,
		Endpoint:   endpoint,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// joinUpstreamURL appends a cleaned sub-path to the endpoint's base URL.
// Cleaning keeps the result inside the base path: "../" sequences cannot
// escape it.
func joinUpstreamURL(base, subPath, rawQuery string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if subPath != "" {
		cleaned := path.Clean("/" + strings.TrimPrefix(subPath, "/"))
		if cleaned != "/" {
			u.Path = strings.TrimSuffix(u.Path, "/") + cleaned
		}
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

// Hop-by-hop headers, plus the two the gateway owns: Host is the upstream's
// and Authorization carries the injected credential, never the caller's.
var strippedHeaders = map[string]struct{}{
	"Host":                {},
	"Authorization":       {},
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// Hop-by-hop headers describe the upstream connection, not the message;
// relaying them would let the upstream steer the caller's connection.
var hopByHopResponseHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func forwardableResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		if _, strip := hopByHopResponseHeaders[http.CanonicalHeaderKey(name)]; strip {
			continue
		}
		dst[name] = values
	}
	return dst
}

func copyForwardableHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, strip := strippedHeaders[http.CanonicalHeaderKey(name)]; strip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// cancelOnClose ties the upstream request's context to the response body:
// resources are released when the caller finishes reading, not abandoned.
type cancelOnClose struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelOnClose) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
