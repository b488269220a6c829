package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	"github.com/plgd-dev/mobile-auth/pkg/log"
)

// Request is one HTTP exchange to perform.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration // zero means the client-wide default
}

// Response is the decoded outcome of a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client sends authorization-protocol requests. Automatic redirect following
// is disabled: the protocol encodes results in redirect locations, so they
// must be inspected, not consumed.
type Client struct {
	client *http.Client
	config Config
}

func New(config Config) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = config.MaxIdleConns
	t.MaxConnsPerHost = config.MaxConnsPerHost
	t.MaxIdleConnsPerHost = config.MaxIdleConnsPerHost
	t.IdleConnTimeout = config.IdleConnTimeout
	return &Client{
		client: &http.Client{
			Transport: t,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: config,
	}
}

func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, pkgErrors.NewErrorWithMessage("cannot create request", err, pkgErrors.ErrInvalidArgument)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errC := resp.Body.Close(); errC != nil {
			log.Debugf("cannot close response body: %v", errC)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Do performs the request, retrying connection timeouts and HTTP 504 up to
// MaxRetries additional attempts. Exhausting the retries surfaces the last
// failure as a network error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, err := c.doOnce(ctx, req, timeout)
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				log.Debugf("request %v %v timed out, attempt %v", req.Method, req.URL, attempt+1)
				lastErr = err
				continue
			}
			return nil, pkgErrors.NewErrorWithMessage("request failed", pkgErrors.ErrNetwork, err)
		}
		if resp.StatusCode == http.StatusGatewayTimeout {
			log.Debugf("request %v %v returned 504, attempt %v", req.Method, req.URL, attempt+1)
			lastErr = pkgErrors.NewErrorWithMessage("gateway timeout", pkgErrors.ErrNetwork)
			continue
		}
		return resp, nil
	}
	return nil, pkgErrors.NewErrorWithMessage("retries exhausted", pkgErrors.ErrNetwork, lastErr)
}
