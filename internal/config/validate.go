package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ApplyDefaults fills omitted knobs in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Domain) == "" {
		c.Domain = DefaultDomain
	}
	if c.UpdateIntervalMinutes == 0 {
		c.UpdateIntervalMinutes = DefaultUpdateIntervalMinutes
	}
	if c.Reconcile.Strategy == "" {
		c.Reconcile.Strategy = "fuzzy"
	}
	if c.Reminders.TickSchedule == "" {
		c.Reminders.TickSchedule = "* * * * *"
	}
	if c.Reminders.CleanupSchedule == "" {
		c.Reminders.CleanupSchedule = "*/15 * * * *"
	}
	for i := range c.Calendars {
		if c.Calendars[i].Name == "" {
			c.Calendars[i].Name = c.Calendars[i].ID
		}
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ids := make(map[string]struct{}, len(c.Calendars))
	for _, cal := range c.Calendars {
		if _, dup := ids[cal.ID]; dup {
			return fmt.Errorf("calendars: duplicate id %q", cal.ID)
		}
		ids[cal.ID] = struct{}{}
		if _, err := ParseDurationField("calendars."+cal.ID+".timeout", cal.Timeout); err != nil {
			return err
		}
	}
	for _, id := range c.SelectedCalendars {
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("selected_calendars: unknown calendar %q", id)
		}
	}

	names := make(map[string]struct{}, len(c.Dispatch.Services))
	for _, s := range c.Dispatch.Services {
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("dispatch.services: duplicate name %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Kind == "telegram" && !c.Telegram.Enabled() {
			return fmt.Errorf("dispatch.services.%s: telegram service needs telegram.token", s.Name)
		}
		if _, err := ParseDurationField("dispatch.services."+s.Name+".timeout", s.Timeout); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"api.read_timeout":      c.API.ReadTimeout,
		"api.write_timeout":     c.API.WriteTimeout,
	}
	if te := c.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
		durations["task_engine.breaker_cooldown"] = te.BreakerCooldown
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	if st := c.Storage; st != nil {
		durations["storage.busy_timeout"] = st.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}
