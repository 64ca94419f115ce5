package equipment

import (
	"context"
	"sync"
	"time"

	"github.com/roelfdiedericks/hottubd/internal/config"
	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/webhook"
)

// Action identifies an equipment command. The action set is a closed
// enumeration; every switch over it must be exhaustive.
type Action string

const (
	ActionHeaterOn  Action = "heater_on"
	ActionHeaterOff Action = "heater_off"
	ActionPumpRun   Action = "pump_run"
)

// Service applies equipment commands: it enforces the coupling rules,
// dispatches webhook events, and persists status. Commands are serialised by
// a service-level mutex so at most one actuation is in flight.
type Service struct {
	mu      sync.Mutex
	store   *StatusStore
	hooks   webhook.Client
	events  config.WebhookConfig
	couple  bool
	nowFn   func() time.Time
}

// NewService creates the actuation service. When couple is true, heater-off
// forces the pump off and heater-on brings the pump up first.
func NewService(store *StatusStore, hooks webhook.Client, cfg *config.Config) *Service {
	return &Service{
		store:  store,
		hooks:  hooks,
		events: cfg.Webhook,
		couple: cfg.Heating.CouplePump,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the transition clock. Tests only.
func (s *Service) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// Status returns the persisted equipment status.
func (s *Service) Status() (Status, error) {
	return s.store.Get()
}

// HeaterOn turns the heater on. With coupling enabled and the pump currently
// off, the pump event is dispatched first so the heater never runs dry.
func (s *Service) HeaterOn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.store.Get()
	if err != nil {
		return err
	}

	if s.couple && !status.Pump.On {
		if err := s.hooks.Trigger(ctx, s.events.PumpOnEvent); err != nil {
			L_error("equipment: pump-on dispatch failed, heater not started", "error", err)
			return err
		}
		if err := s.store.SetPump(true, s.nowFn()); err != nil {
			return err
		}
	}

	if err := s.hooks.Trigger(ctx, s.events.HeaterOnEvent); err != nil {
		return err
	}
	if err := s.store.SetHeater(true, s.nowFn()); err != nil {
		return err
	}

	L_info("equipment: heater on")
	return nil
}

// HeaterOff turns the heater off and, when coupling is enabled, the pump too.
// Status is only updated for the events that actually dispatched.
func (s *Service) HeaterOff(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hooks.Trigger(ctx, s.events.HeaterOffEvent); err != nil {
		return err
	}
	if err := s.store.SetHeater(false, s.nowFn()); err != nil {
		return err
	}

	if s.couple {
		if err := s.hooks.Trigger(ctx, s.events.PumpOffEvent); err != nil {
			L_error("equipment: heater off but pump-off dispatch failed", "error", err)
			return err
		}
		if err := s.store.SetPump(false, s.nowFn()); err != nil {
			return err
		}
	}

	L_info("equipment: heater off", "pumpCoupled", s.couple)
	return nil
}

// PumpRun starts the pump for its timed window. The window itself is the
// webhook recipe's business; the service fires the event and marks the pump
// on.
func (s *Service) PumpRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hooks.Trigger(ctx, s.events.PumpOnEvent); err != nil {
		return err
	}
	if err := s.store.SetPump(true, s.nowFn()); err != nil {
		return err
	}

	L_info("equipment: pump run started")
	return nil
}

// Apply dispatches a command by action name.
func (s *Service) Apply(ctx context.Context, action Action) error {
	switch action {
	case ActionHeaterOn:
		return s.HeaterOn(ctx)
	case ActionHeaterOff:
		return s.HeaterOff(ctx)
	case ActionPumpRun:
		return s.PumpRun(ctx)
	default:
		return &UnknownActionError{Action: action}
	}
}

// UnknownActionError reports a command outside the closed action set.
type UnknownActionError struct {
	Action Action
}

func (e *UnknownActionError) Error() string {
	return "unknown equipment action: " + string(e.Action)
}
