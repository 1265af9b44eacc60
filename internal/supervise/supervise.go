// Package supervise runs long-lived services under a suture supervisor with
// events reported through the component logger.
package supervise

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"

	"github.com/bryanchriswhite/toplevelwatch/internal/logger"
)

// New returns a supervisor whose events are logged.
func New(name string) *suture.Supervisor {
	return suture.New(name, suture.Spec{
		EventHook: EventHook(),
	})
}

func EventHook() suture.EventHook {
	log := logger.WithComponent("supervisor")
	return func(ei suture.Event) {
		switch e := ei.(type) {
		case suture.EventStopTimeout:
			log.Warn().
				Str("supervisor", e.SupervisorName).
				Str("service", e.ServiceName).
				Msg("Service failed to terminate in a timely manner")
		case suture.EventServicePanic:
			log.Error().
				Str("supervisor", e.SupervisorName).
				Str("service", e.ServiceName).
				Str("panic", e.PanicMsg).
				Msg("Caught a service panic")
			log.Debug().Msg(e.Stacktrace)
		case suture.EventServiceTerminate:
			log.Error().
				Interface("error", e.Err).
				Str("supervisor", e.SupervisorName).
				Str("service", e.ServiceName).
				Bool("restarting", e.Restarting).
				Msg("Service failed")
		case suture.EventBackoff:
			log.Debug().Str("supervisor", e.SupervisorName).Msg("Too many service failures, entering backoff")
		case suture.EventResume:
			log.Debug().Str("supervisor", e.SupervisorName).Msg("Exiting backoff state")
		default:
			log.Warn().Int("type", int(e.Type())).Msg("Unknown supervisor event type")
		}
	}
}

// Service forces the use of the String method so log lines name the service.
type Service interface {
	String() string
	suture.Service
}

func Add(super *suture.Supervisor, service Service) suture.ServiceToken {
	return super.Add(sanitizeService{Service: service})
}

type sanitizeService struct {
	Service
}

func (s sanitizeService) Serve(ctx context.Context) error {
	return SanitizeError(ctx, s.Service.Serve(ctx))
}

// SanitizeError keeps suture from treating a service's own context errors
// as supervisor shutdown, which would stop it from being restarted.
func SanitizeError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var errs []error
	if errors.Is(err, suture.ErrDoNotRestart) {
		errs = append(errs, suture.ErrDoNotRestart)
	}
	if errors.Is(err, suture.ErrTerminateSupervisorTree) {
		errs = append(errs, suture.ErrTerminateSupervisorTree)
	}
	errs = append(errs, errors.New(err.Error()))
	return errors.Join(errs...)
}

// Func adapts a function to Service.
type Func struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFunc(name string, fn func(ctx context.Context) error) Func {
	return Func{name: name, fn: fn}
}

func (s Func) String() string {
	return s.name
}

func (s Func) Serve(ctx context.Context) error {
	return s.fn(ctx)
}
