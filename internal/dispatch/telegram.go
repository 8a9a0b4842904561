package dispatch

import (
	"context"
	"html"
	"strings"

	"bettercal/internal/transport"
)

// Notifier queues chat messages.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Telegram delivers to one chat through the notifier. Actions become inline
// buttons whose callback data resolves through the action table.
type Telegram struct {
	name    string
	target  transport.ChatTarget
	n       Notifier
	actions *ActionTable
}

func NewTelegram(name string, target transport.ChatTarget, n Notifier, actions *ActionTable) *Telegram {
	return &Telegram{name: name, target: target, n: n, actions: actions}
}

func (t *Telegram) Call(ctx context.Context, p Payload) error {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(p.Title))
		b.WriteString("</b>\n")
	}
	b.WriteString(html.EscapeString(p.Message))

	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if acts := p.Actions(); len(acts) > 0 && t.actions != nil {
		row := make([]transport.Button, 0, len(acts))
		for _, a := range acts {
			row = append(row, transport.Button{Text: a.Title, Data: t.actions.Put(a)})
		}
		opt.Buttons = [][]transport.Button{row}
	}
	return t.n.Notify(ctx, transport.Notification{
		Channel: t.name,
		Target:  t.target,
		Text:    b.String(),
		Options: opt,
	})
}
