package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	logx "bettercal/pkg/logx"
)

const haServicesTTL = time.Minute

// HomeAssistant is a Source exposing the notify domain of a Home Assistant
// instance through its REST API.
type HomeAssistant struct {
	base   string
	token  string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[struct{}]
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	names   []string
	fetched time.Time
}

func NewHomeAssistant(name, baseURL, token string, timeout time.Duration, log logx.Logger) *HomeAssistant {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HomeAssistant{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
		cb:     newBreaker("dispatch."+name, log),
		log:    log.With(logx.String("comp", "dispatch.homeassistant"), logx.String("name", name)),
		now:    time.Now,
	}
}

type haDomain struct {
	Domain   string                     `json:"domain"`
	Services map[string]json.RawMessage `json:"services"`
}

// Services lists notify services, cached for a minute. A failed refresh
// keeps serving the previous list when there is one.
func (h *HomeAssistant) Services(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.names != nil && h.now().Sub(h.fetched) < haServicesTTL {
		return h.names, nil
	}

	var names []string
	err := guard(h.cb, func() error {
		var err error
		names, err = h.fetchServices(ctx)
		return err
	})
	if err != nil {
		if h.names != nil {
			h.log.Debug("using cached service list", logx.Err(err))
			return h.names, nil
		}
		return nil, err
	}
	h.names, h.fetched = names, h.now()
	return names, nil
}

func (h *HomeAssistant) fetchServices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/api/services", nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET /api/services: status %d", resp.StatusCode)
	}
	var domains []haDomain
	if err := json.NewDecoder(resp.Body).Decode(&domains); err != nil {
		return nil, fmt.Errorf("GET /api/services: decode: %w", err)
	}
	names := []string{}
	for _, d := range domains {
		if d.Domain != "notify" {
			continue
		}
		for svc := range d.Services {
			names = append(names, svc)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (h *HomeAssistant) Call(ctx context.Context, service string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("homeassistant: encode: %w", err)
	}
	u := h.base + "/api/services/notify/" + url.PathEscape(service)
	return guard(h.cb, func() error {
		return postJSON(ctx, h.client, u, h.token, body)
	})
}
