package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"bettercal/internal/calendar"
	logx "bettercal/pkg/logx"
)

const defaultFetchTimeout = 15 * time.Second

// Feed is a read-only calendar served over HTTP. Responses are revalidated
// with ETag and Last-Modified; on network or server errors the last good
// body is reused.
type Feed struct {
	id     string
	url    string
	client *http.Client
	log    logx.Logger

	mu           sync.Mutex
	body         []byte
	etag         string
	lastModified string
}

func NewFeed(id, rawURL string, timeout time.Duration, log logx.Logger) *Feed {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Feed{
		id:     id,
		url:    rawURL,
		client: &http.Client{Timeout: timeout},
		log:    log.With(logx.String("comp", "ics.feed"), logx.String("calendar", id), logx.String("url", redactURL(rawURL))),
	}
}

func (f *Feed) Events(ctx context.Context, from, to time.Time) ([]calendar.RawEvent, error) {
	body, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	cal, err := parseCalendar(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.id, err)
	}
	evs, skipped := parseEvents(cal)
	if skipped > 0 {
		f.log.Debug("skipped unreadable VEVENTs", logx.Int("skipped", skipped))
	}
	return expand(evs, from, to)
}

func (f *Feed) fetch(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	if f.etag != "" {
		req.Header.Set("If-None-Match", f.etag)
	}
	if f.lastModified != "" {
		req.Header.Set("If-Modified-Since", f.lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if f.body != nil {
			f.log.Warn("fetch failed; using last body", logx.Err(err))
			return f.body, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		f.body = body
		f.etag = resp.Header.Get("ETag")
		f.lastModified = resp.Header.Get("Last-Modified")
		f.log.Debug("fetched", logx.Int("bytes", len(body)))
		return body, nil
	case http.StatusNotModified:
		if f.body == nil {
			return nil, errors.New("304 Not Modified without a cached body")
		}
		return f.body, nil
	default:
		if f.body != nil {
			f.log.Warn("fetch returned non-OK; using last body", logx.Int("status", resp.StatusCode))
			return f.body, nil
		}
		return nil, fmt.Errorf("fetch %s: %s", f.id, resp.Status)
	}
}

// redactURL keeps scheme and host; private feed URLs carry secrets in the
// path or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
