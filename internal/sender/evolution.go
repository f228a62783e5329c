package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// EvolutionSender delivers WhatsApp text messages through an Evolution API instance.
type EvolutionSender struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
}

// NewEvolutionSender builds a sender for the given instance. Per-call deadlines come from
// the context; timeout only bounds calls made without one.
func NewEvolutionSender(baseURL, apiKey, instance string, timeout time.Duration) *EvolutionSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &EvolutionSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		instance:   instance,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type errorResponse struct {
	Message  any    `json:"message"`
	Error    string `json:"error"`
	Response *struct {
		Message any `json:"message"`
	} `json:"response"`
}

// Send posts the message to /message/sendText/{instance}.
func (s *EvolutionSender) Send(ctx context.Context, destination, payload string) (Result, error) {
	body, err := json.Marshal(sendTextRequest{Number: destination, Text: payload})
	if err != nil {
		return Result{}, fmt.Errorf("marshal send request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/message/sendText/%s", s.baseURL, url.PathEscape(s.instance))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true}, nil
	}
	return Result{Success: false, Error: providerError(resp.StatusCode, raw)}, nil
}

func providerError(status int, raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil {
		if msg := flattenMessage(er.Message); msg != "" {
			return fmt.Sprintf("status %d: %s", status, msg)
		}
		if er.Response != nil {
			if msg := flattenMessage(er.Response.Message); msg != "" {
				return fmt.Sprintf("status %d: %s", status, msg)
			}
		}
		if er.Error != "" {
			return fmt.Sprintf("status %d: %s", status, er.Error)
		}
	}
	return fmt.Sprintf("status %d", status)
}

// flattenMessage handles the provider returning message as a string or a list.
func flattenMessage(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case []any:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			if s := flattenMessage(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		if s, ok := m["exists"].(bool); ok && !s {
			if n, ok := m["number"].(string); ok {
				return "number not on whatsapp: " + n
			}
		}
	}
	return ""
}
