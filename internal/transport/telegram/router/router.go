// Package router turns chat updates into calendar commands and reminder
// button actions.
package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bettercal/internal/calendar"
	"bettercal/internal/dispatch"
	"bettercal/internal/ledger"
	rtsup "bettercal/internal/runtime/supervisor"
	kit "bettercal/internal/transport"
	"bettercal/internal/views"
	logx "bettercal/pkg/logx"
)

// Calendar is the control surface the bot drives.
type Calendar interface {
	Views(ctx context.Context, now time.Time) (views.Views, error)
	Snapshot(ctx context.Context) (calendar.Snapshot, error)
	ForceUpdateCalendars(ctx context.Context) error
	AddNotification(ctx context.Context, p ledger.AddParams) (string, error)
	RemoveNotification(ctx context.Context, id string) bool
	SnoozeEvent(ctx context.Context, eventID string, minutes int) (string, error)
	MarkEventDone(ctx context.Context, eventID string)
	HandleNotificationAction(ctx context.Context, action, eventID string) error
}

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

type Options struct {
	Owners  []int64
	Actions *dispatch.ActionTable
	Workers int
	Now     func() time.Time
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	cal     Calendar
	actions *dispatch.ActionTable
	now     func() time.Time
	workers int

	mu     sync.RWMutex
	owners []int64
	cmds   []Command
	index  map[string]*Command

	jobs chan func()
}

func New(adapter kit.Adapter, cal Calendar, log logx.Logger, opts Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	r := &Router{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		cal:     cal,
		actions: opts.Actions,
		now:     opts.Now,
		workers: opts.Workers,
		owners:  slices.Clone(opts.Owners),
		jobs:    make(chan func(), 64),
	}
	r.setCommands(r.calendarCommands())
	return r
}

// SetOwners replaces the owner list; safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *Router) setCommands(cmds []Command) {
	help := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return r.reply(ctx, req, r.helpText())
		},
	}
	cmds = append(cmds, help)

	index := make(map[string]*Command, len(cmds)*2)
	for i := range cmds {
		c := &cmds[i]
		index[c.Name] = c
		for _, a := range c.Aliases {
			if _, taken := index[a]; !taken {
				index[a] = c
			}
		}
	}
	r.mu.Lock()
	r.cmds = cmds
	r.index = index
	r.mu.Unlock()
}

// Commands returns the registered commands in menu order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.cmds)
}

// PublishMenu pushes the command list to the adapter when it supports menus.
func (r *Router) PublishMenu(ctx context.Context) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	cmds := r.Commands()
	menu := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}

// Run dispatches updates to a bounded worker pool until ctx ends or
// updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case r.jobs <- func() { r.serve(ctx, up) }:
			default:
				r.busy(ctx, up)
			}
		}
	}
}

func (r *Router) busy(ctx context.Context, up kit.Update) {
	switch {
	case up.Message != nil:
		_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, "busy, try again", nil)
	case up.Callback != nil:
		_ = r.adapter.AnswerCallback(ctx, up.Callback.ID, "busy")
	}
}

// serve handles one update synchronously.
func (r *Router) serve(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.serveMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.serveCallback(ctx, up)
		}
	}
}

func (r *Router) serveMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.index[strings.ToLower(word)]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := r.newRequest(up, chat, msg.FromID, cmd.Name)
	req.Args = parts[1:]
	final := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))
	if err := final(ctx, req); err != nil {
		_ = r.reply(ctx, req, "⚠️ "+html.EscapeString(userError(err)))
	}
}

func (r *Router) serveCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if r.actions == nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "expired")
		return
	}
	act, ok := r.actions.Resolve(strings.TrimSpace(cb.Data))
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "expired")
		return
	}
	if !r.isOwner(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "cb:"+act.Action)
	h := func(ctx context.Context, _ *Request) error {
		return r.cal.HandleNotificationAction(ctx, act.Action, act.EventID)
	}
	final := Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(15*time.Second))
	answer := actionAnswer(act.Action)
	if err := final(ctx, req); err != nil {
		answer = userError(err)
	}
	_ = r.adapter.AnswerCallback(ctx, cb.ID, answer)
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, cmd string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd),
		),
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func actionAnswer(action string) string {
	switch {
	case strings.HasPrefix(action, "snooze_"):
		return "⏰ Snoozed"
	case strings.HasPrefix(action, "mark_done_"):
		return "✅ Done"
	case strings.HasPrefix(action, "delete_"):
		return "🗑 Deleted"
	}
	return "ok"
}

func userError(err error) string {
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		return "event not found"
	case errors.Is(err, calendar.ErrReadOnly):
		return "that calendar is read-only"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range r.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", html.EscapeString(usage), html.EscapeString(c.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}

// tokenize splits a command line on whitespace, honoring quotes.
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote rune
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range strings.TrimSpace(s) {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
				continue
			}
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}
