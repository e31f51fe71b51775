package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	defaultAPIEndpoint = "https://api.anthropic.com/v1/messages"
	apiVersion         = "2023-06-01"
	apiMaxTokens       = 4096
)

// APIRunner calls a hosted messages endpoint instead of a local subprocess.
// The hosted API keeps no session handle, so multi-turn continuity relies on
// the caller assembling history into the prompt; SessionID stays empty.
type APIRunner struct {
	Endpoint string
	APIKey   string
	Model    string
	HTTP     *http.Client
	Logger   *slog.Logger
}

func NewAPIRunner(apiKey, model string) *APIRunner {
	return &APIRunner{
		Endpoint: defaultAPIEndpoint,
		APIKey:   apiKey,
		Model:    model,
		HTTP:     &http.Client{},
	}
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *APIRunner) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	timeout := normalizeTimeout(opts.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(apiRequest{
		Model:     r.Model,
		MaxTokens: apiMaxTokens,
		Messages:  []apiMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Result{}, err
	}

	endpoint := strings.TrimSpace(r.Endpoint)
	if endpoint == "" {
		endpoint = defaultAPIEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", r.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	client := r.HTTP
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			r.logger().Warn("engine_api_timeout", "timeout", timeout.String())
			return Result{IsError: true}, nil
		}
		return Result{IsError: true}, err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{IsError: true}, fmt.Errorf("engine api decode: %w", err)
	}
	if out.Error != nil {
		r.logger().Warn("engine_api_error", "type", out.Error.Type, "status", resp.StatusCode)
		return Result{Text: out.Error.Message, IsError: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{IsError: true}, fmt.Errorf("engine api http %d: %s", resp.StatusCode, firstLine(string(raw)))
	}

	var b strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	res := Result{Text: strings.TrimSpace(b.String())}
	if kind, ok := classifyErrorText(res.Text); ok {
		r.logger().Warn("engine_error_signature", "kind", kind)
		res.IsError = true
	}
	return res, nil
}

func (r *APIRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
