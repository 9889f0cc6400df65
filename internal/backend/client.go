// Package backend is the client's view of our own server: token minting,
// slot release, and instruction generation.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/internal/config"
	"github.com/arients/VoiceChatBot/shared"
)

type Client struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
}

func NewClient(logger shared.LoggerAdapter, baseURL string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	return &Client{logger: logger, baseURL: u}, nil
}

// TokenResponse is the vendor session object relayed by the backend. Only the
// fields the client actually consumes are mapped.
type TokenResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type tokenRequest struct {
	Model        string  `json:"model"`
	Voice        string  `json:"voice"`
	Instructions string  `json:"instructions"`
	Temperature  *string `json:"temperature,omitempty"`
}

func (c *Client) do(ctx context.Context, req *fasthttp.Request) (int, []byte, error) {
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

// Token asks the backend to mint an ephemeral session credential. An
// overloaded gate maps to ErrOverloaded; any other rejection is surfaced with
// the relayed vendor status and body.
func (c *Client) Token(ctx context.Context, cfg config.Session) (*TokenResponse, error) {
	body, err := sonic.Marshal(tokenRequest{
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		Temperature:  cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling token request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.baseURL.JoinPath("/token").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	status, respBody, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if status == fasthttp.StatusTooManyRequests {
		return nil, shared.ErrOverloaded
	}
	if status < 200 || status >= 300 {
		return nil, &shared.VendorError{StatusCode: status, Body: respBody}
	}

	token := new(TokenResponse)
	if err := sonic.Unmarshal(respBody, token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if token.ClientSecret.Value == "" {
		return nil, shared.ErrNoCredential
	}
	return token, nil
}

// End releases the session slot and waits for the response.
func (c *Client) End(ctx context.Context) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.baseURL.JoinPath("/end").String())
	req.Header.SetMethod(fasthttp.MethodPost)

	status, _, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if status != fasthttp.StatusOK {
		return fmt.Errorf("unexpected status code: %d", status)
	}
	return nil
}

// EndAsync is the shutdown-path variant of End: fire and forget with a short
// deadline, never blocking teardown on the network.
func (c *Client) EndAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.End(ctx); err != nil {
			c.logger.Warn("best-effort session end failed", zap.Error(err))
		}
	}()
}

// Prompt fetches generated session instructions for the configure screen.
func (c *Client) Prompt(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.baseURL.JoinPath("/prompt").String())
	req.Header.SetMethod(fasthttp.MethodGet)

	status, body, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &shared.VendorError{StatusCode: status, Body: body}
	}
	var resp struct {
		Instruction string `json:"instruction"`
	}
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing prompt response: %w", err)
	}
	return resp.Instruction, nil
}
