// Package upstream is the single place that talks to the vendor's HTTP
// surface: session creation for the token proxy, the SDP exchange for the
// realtime connection, and chat completions for the prompt generator.
package upstream

import (
	"context"
	"fmt"
	"net/url"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/shared"
)

type Client struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	apiKey  string
}

func NewClient(logger shared.LoggerAdapter, apiKey, baseURL string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	var u *url.URL
	var err error
	if baseURL != "" {
		u, err = url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		u = &url.URL{Scheme: "https", Host: "api.openai.com", Path: "/v1"}
	}
	return &Client{logger: logger, baseURL: u, apiKey: apiKey}, nil
}

// NewNegotiator builds a client for the SDP exchange only. The realtime
// negotiation authenticates with the per-call ephemeral credential, so no
// standing API key is required.
func NewNegotiator(logger shared.LoggerAdapter, baseURL string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	var u *url.URL
	var err error
	if baseURL != "" {
		u, err = url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		u = &url.URL{Scheme: "https", Host: "api.openai.com", Path: "/v1"}
	}
	return &Client{logger: logger, baseURL: u}, nil
}

// do performs the request while honoring ctx. fasthttp has no native context
// support, so the call runs in a goroutine and the response is copied out
// before release.
func (c *Client) do(ctx context.Context, req *fasthttp.Request) (status int, body []byte, err error) {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return 0, nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

// CreateSession forwards a session-creation body to the vendor and returns the
// status and body untouched so the caller can relay them verbatim. Only a
// transport failure is an error.
func (c *Client) CreateSession(ctx context.Context, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.baseURL.JoinPath("/realtime/sessions").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	status, respBody, err := c.do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	c.logger.Debug("vendor session create", zap.Int("status", status))
	return status, respBody, nil
}

// ExchangeSDP posts an SDP offer to the vendor's realtime negotiation endpoint
// using the ephemeral credential and returns the answer SDP.
func (c *Client) ExchangeSDP(ctx context.Context, ephemeralKey, model, offerSDP string) (string, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	u := c.baseURL.JoinPath("/realtime")
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+ephemeralKey)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offerSDP)

	status, body, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &shared.VendorError{StatusCode: status, Body: body}
	}
	return string(body), nil
}

// ChatCompletion posts a chat-completion body and returns status and body as
// received, for the same verbatim-relay contract as CreateSession.
func (c *Client) ChatCompletion(ctx context.Context, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.baseURL.JoinPath("/chat/completions").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	return c.do(ctx, req)
}
