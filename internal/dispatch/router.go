package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bettercal/internal/ledger"
	"bettercal/internal/metrics"
	"bettercal/internal/storage"
	logx "bettercal/pkg/logx"
)

const (
	DefaultPushService = "notify"
	DefaultTitle       = "📅 Better Calendar"

	alexaSendMessage = "send_message"
	alexaMedia       = "alexa_media"
)

// Journal records delivery attempts.
type Journal interface {
	AppendDispatch(ctx context.Context, rec storage.DispatchRecord) error
}

type Options struct {
	Title string
	// PushActions attaches snooze, done and delete actions to push reminders.
	PushActions bool
	// AlexaMediaPlayer is the announce target used when an alexa reminder
	// names a notify service instead of a media player.
	AlexaMediaPlayer string
	Journal          Journal
	Now              func() time.Time
}

type Request struct {
	Channel        ledger.Channel
	Target         string
	Message        string
	NotificationID string
	EventID        string
}

type Router struct {
	reg  *Registry
	log  logx.Logger
	opts Options
}

func NewRouter(reg *Registry, log logx.Logger, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{reg: reg, log: log.With(logx.String("comp", "dispatch.router")), opts: opts}
}

// Send resolves the service for req and calls it. It returns the service
// name used. ErrNoService means nothing was sent.
func (r *Router) Send(ctx context.Context, req Request) (string, error) {
	var (
		svc string
		p   Payload
		err error
	)
	switch req.Channel {
	case ledger.ChannelPush:
		svc, p, err = r.resolvePush(ctx, req)
	case ledger.ChannelAlexa:
		svc, p, err = r.resolveAlexa(ctx, req)
	default:
		err = fmt.Errorf("%w: %q", ledger.ErrInvalidChannel, req.Channel)
	}
	if err == nil {
		err = r.reg.Call(ctx, svc, p)
	}

	metrics.RecordDispatch(string(req.Channel), err)
	r.journal(ctx, req, svc, err)
	if err != nil {
		if errors.Is(err, ErrNoService) {
			r.log.Warn("reminder not sent: no service",
				logx.String("channel", string(req.Channel)),
				logx.String("target", req.Target),
				logx.Err(err))
		} else {
			r.log.Error("reminder send failed",
				logx.String("service", svc),
				logx.String("notification", req.NotificationID),
				logx.Err(err))
		}
		return svc, err
	}
	r.log.Info("reminder sent",
		logx.String("service", svc),
		logx.String("channel", string(req.Channel)),
		logx.String("notification", req.NotificationID))
	return svc, nil
}

func (r *Router) resolvePush(ctx context.Context, req Request) (string, Payload, error) {
	p := Payload{Message: req.Message, Title: r.opts.Title}
	if r.opts.PushActions && req.EventID != "" {
		p.Data = map[string]any{"actions": PushActions(req.EventID)}
	}
	if isAuto(req.Target) {
		return DefaultPushService, p, nil
	}
	svc := strings.TrimPrefix(req.Target, "notify.")
	if !r.reg.Has(ctx, svc) {
		return svc, p, fmt.Errorf("%w: %s", ErrNoService, svc)
	}
	return svc, p, nil
}

func (r *Router) resolveAlexa(ctx context.Context, req Request) (string, Payload, error) {
	target := req.Target
	announce := map[string]any{"type": "announce"}

	if strings.HasSuffix(target, "_speak") || strings.HasSuffix(target, "_announce") {
		return alexaSendMessage, Payload{Message: req.Message, EntityID: target}, nil
	}

	if isAuto(target) {
		svc, ok := r.firstService(ctx, alexaMedia)
		if !ok {
			return "", Payload{}, fmt.Errorf("%w: no alexa_media service", ErrNoService)
		}
		return svc, Payload{Message: req.Message, Data: announce}, nil
	}

	svc := strings.TrimPrefix(target, "notify.")
	if !r.reg.Has(ctx, svc) {
		fallback, ok := r.firstService(ctx, "alexa", "speak", "announce")
		if !ok {
			return svc, Payload{}, fmt.Errorf("%w: %s", ErrNoService, svc)
		}
		r.log.Debug("alexa target missing, using fallback",
			logx.String("target", target), logx.String("service", fallback))
		svc = fallback
	}

	if svc == alexaMedia {
		to := target
		if strings.HasPrefix(target, "notify.") {
			to = r.opts.AlexaMediaPlayer
		}
		return svc, Payload{Message: req.Message, Target: to, Data: announce}, nil
	}
	return svc, Payload{Message: req.Message}, nil
}

// firstService returns the first service whose name contains any of subs.
func (r *Router) firstService(ctx context.Context, subs ...string) (string, bool) {
	for _, name := range r.reg.Names(ctx) {
		for _, s := range subs {
			if strings.Contains(name, s) {
				return name, true
			}
		}
	}
	return "", false
}

func (r *Router) journal(ctx context.Context, req Request, svc string, err error) {
	if r.opts.Journal == nil {
		return
	}
	rec := storage.DispatchRecord{
		At:             r.opts.Now().UTC(),
		NotificationID: req.NotificationID,
		EventID:        req.EventID,
		Channel:        string(req.Channel),
		Target:         req.Target,
		Service:        svc,
		OK:             err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := r.opts.Journal.AppendDispatch(ctx, rec); jerr != nil {
		r.log.Warn("dispatch journal append failed", logx.Err(jerr))
	}
}

// PushActions are the interactive actions attached to a push reminder. The
// action string embeds the event id so a platform that only echoes the
// action back can still be handled.
func PushActions(eventID string) []Action {
	return []Action{
		{Action: "snooze_15_" + eventID, Title: "⏰ Snooze 15m", EventID: eventID},
		{Action: "mark_done_" + eventID, Title: "✅ Done", EventID: eventID},
		{Action: "delete_" + eventID, Title: "🗑 Delete", EventID: eventID},
	}
}

func isAuto(target string) bool {
	t := strings.TrimSpace(target)
	return t == "" || t == ledger.TargetAuto
}
