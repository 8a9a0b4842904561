package dispatch

import (
	"fmt"

	"bettercal/internal/config"
	"bettercal/internal/transport"
	logx "bettercal/pkg/logx"
)

// Build creates a registry from the configured services. Telegram services
// are skipped when n is nil.
func Build(cfg config.DispatchConfig, n Notifier, actions *ActionTable, log logx.Logger) (*Registry, error) {
	reg := NewRegistry(log)
	for _, sc := range cfg.Services {
		timeout, err := config.ParseDurationField("dispatch.services."+sc.Name+".timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}
		switch sc.Kind {
		case "telegram":
			if n == nil {
				log.Warn("telegram dispatch service skipped: telegram disabled", logx.String("service", sc.Name))
				continue
			}
			reg.Register(sc.Name, NewTelegram(sc.Name, transport.ChatTarget{ChatID: sc.ChatID, ThreadID: sc.ThreadID}, n, actions))
		case "webhook":
			reg.Register(sc.Name, NewWebhook(sc.Name, sc.URL, sc.Token, timeout, log))
		case "homeassistant":
			reg.AddSource(NewHomeAssistant(sc.Name, sc.URL, sc.Token, timeout, log))
		case "log":
			reg.Register(sc.Name, NewLogService(sc.Name, log))
		default:
			return nil, fmt.Errorf("dispatch.services.%s: unknown kind %q", sc.Name, sc.Kind)
		}
	}
	return reg, nil
}
