package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	logx "bettercal/pkg/logx"
)

const defaultHTTPTimeout = 10 * time.Second

// Webhook posts the payload as JSON to a fixed URL.
type Webhook struct {
	name   string
	url    string
	token  string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[struct{}]
}

func NewWebhook(name, url, token string, timeout time.Duration, log logx.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Webhook{
		name:   name,
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		cb:     newBreaker("dispatch."+name, log),
	}
}

type webhookBody struct {
	Service string `json:"service"`
	Payload
}

func (w *Webhook) Call(ctx context.Context, p Payload) error {
	body, err := json.Marshal(webhookBody{Service: w.name, Payload: p})
	if err != nil {
		return fmt.Errorf("webhook %s: encode: %w", w.name, err)
	}
	return guard(w.cb, func() error {
		return postJSON(ctx, w.client, w.url, w.token, body)
	})
}

func postJSON(ctx context.Context, client *http.Client, url, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return nil
}
