package dispatch

import (
	"context"

	logx "bettercal/pkg/logx"
)

// LogService writes payloads to the log instead of delivering them.
type LogService struct {
	log logx.Logger
}

func NewLogService(name string, log logx.Logger) *LogService {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogService{log: log.With(logx.String("comp", "dispatch.log"), logx.String("service", name))}
}

func (l *LogService) Call(_ context.Context, p Payload) error {
	fields := []logx.Field{logx.String("message", p.Message)}
	if p.Title != "" {
		fields = append(fields, logx.String("title", p.Title))
	}
	if p.Target != "" {
		fields = append(fields, logx.String("target", p.Target))
	}
	if p.EntityID != "" {
		fields = append(fields, logx.String("entity_id", p.EntityID))
	}
	if len(p.Data) > 0 {
		fields = append(fields, logx.Any("data", p.Data))
	}
	l.log.Info("reminder", fields...)
	return nil
}
