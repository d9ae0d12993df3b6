// Package provider is the HTTP client for the text-generation provider.
// Authentication is a sealed query-parameter key; request and response
// bodies follow the candidates/content/parts shape shared with the SSE
// stream events.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay-api/internal/metrics"
	"chatrelay-api/internal/sse"
)

const defaultTimeout = 120 * time.Second

// Part is one fragment of generated or prompt content.
type Part struct {
	Text string `json:"text,omitempty"`
}

// Content groups parts under a role.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenRequest is one generation call. Model overrides the client default when
// set (the title follow-up uses a smaller model).
type GenRequest struct {
	Model             string
	Contents          []Content
	SystemInstruction string
}

type generateBody struct {
	Contents          []Content `json:"contents"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []Part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Options configures the provider client.
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	Timeout        time.Duration
	TLSImpersonate bool
}

// Client issues generation calls against the provider. Blocking calls use a
// client with a hard timeout; streaming calls must not, since the body is
// read for the stream's whole lifetime, so their deadline comes from the
// caller's context instead.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	stream  *http.Client
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	streamClient := &http.Client{}
	if opts.TLSImpersonate {
		transport := newImpersonatingTransport()
		httpClient.Transport = transport
		streamClient.Transport = transport
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		http:    httpClient,
		stream:  streamClient,
	}
}

// UserText builds a single-turn user request.
func UserText(text string) []Content {
	return []Content{{Role: "user", Parts: []Part{{Text: text}}}}
}

func (c *Client) resolveModel(req GenRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

func (c *Client) endpoint(model, op string, streaming bool) string {
	url := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s", c.baseURL, model, op, c.apiKey)
	if streaming {
		url += "&alt=sse"
	}
	return url
}

func (c *Client) newRequest(ctx context.Context, url string, req GenRequest) (*http.Request, error) {
	body := generateBody{Contents: req.Contents}
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		body.SystemInstruction = &Content{Parts: []Part{{Text: s}}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// StreamGenerate opens the streaming completion call and returns the raw SSE
// body. The caller owns the body; closing it releases the connection. A
// non-2xx status is returned as an error with the response drained.
func (c *Client) StreamGenerate(ctx context.Context, req GenRequest) (io.ReadCloser, error) {
	model := c.resolveModel(req)
	httpReq, err := c.newRequest(ctx, c.endpoint(model, "streamGenerateContent", true), req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.stream.Do(httpReq)
	metrics.ProviderDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("provider stream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp.Body, nil
}

// Generate performs the blocking non-streaming call and returns the joined
// text of the first candidate.
func (c *Client) Generate(ctx context.Context, req GenRequest) (string, error) {
	model := c.resolveModel(req)
	httpReq, err := c.newRequest(ctx, c.endpoint(model, "generateContent", false), req)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.ProviderDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("provider error %d: %s", out.Error.Code, out.Error.Message)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("provider returned no candidates")
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// CollectStream fully consumes a streaming body, used when a caller wants
// streaming transport semantics but a blocking result.
func CollectStream(body io.ReadCloser) (string, error) {
	defer body.Close()
	return sse.Collect(body)
}
