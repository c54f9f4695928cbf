package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultProxyTimeout = 30 * time.Second
	maxProxyBody        = 64 * 1024 * 1024 // 64MB
)

var ErrUpstream = errors.New("app: upstream failed")

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Te",
	"Trailer",
	"Content-Length",
}

// proxy forwards calls to an upstream HTTP server.
type proxy struct {
	name        string
	upstream    *url.URL
	stripPrefix bool
	client      *http.Client
}

// NewProxy options: upstream (required), timeout, strip_prefix (true).
func NewProxy(name string, options map[string]string) (Application, error) {
	upstream, err := url.Parse(options["upstream"])
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("%w: upstream %q", ErrMisconfig, options["upstream"])
	}

	timeout := defaultProxyTimeout
	if v, found := options["timeout"]; found {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: timeout %q", ErrMisconfig, v)
		}
		timeout = d
	}

	stripPrefix := true
	if v, found := options["strip_prefix"]; found {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: strip_prefix %q", ErrMisconfig, v)
		}
		stripPrefix = b
	}

	return &proxy{
		name:        name,
		upstream:    upstream,
		stripPrefix: stripPrefix,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}, nil
}

func (app *proxy) Invoke(ctx context.Context, call Call) (Reply, error) {
	path := call.Path
	if app.stripPrefix {
		path = "/" + strings.TrimPrefix(strings.TrimPrefix(path, call.Prefix), "/")
	}

	target := strings.TrimSuffix(app.upstream.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, call.Method, target, bytes.NewReader(call.Body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrUpstream, app.name, err)
	}

	for _, h := range call.Headers {
		if strings.EqualFold(h.Key, "Host") {
			continue
		}
		req.Header.Add(h.Key, h.Value)
	}
	for _, hop := range hopHeaders {
		req.Header.Del(hop)
	}
	if host, _, err := net.SplitHostPort(call.RemoteAddr); err == nil && host != "" {
		req.Header.Add("X-Forwarded-For", host)
	}

	res, err := app.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %s: %v", ErrUpstream, app.name, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxProxyBody+1))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %s: reading body: %v", ErrUpstream, app.name, err)
	}
	if len(body) > maxProxyBody {
		return Reply{}, fmt.Errorf("%w: %s: response larger than %d bytes", ErrUpstream, app.name, maxProxyBody)
	}

	for _, hop := range hopHeaders {
		res.Header.Del(hop)
	}

	reply := Reply{Status: res.StatusCode, Body: body}
	for key, values := range res.Header {
		for _, value := range values {
			reply.Headers = append(reply.Headers, Header{Key: key, Value: value})
		}
	}
	return reply, nil
}
