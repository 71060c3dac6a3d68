// Package probe drives a wsrpc.Client through a scripted verification
// battery and offers a line-based interactive console for ad-hoc
// calls.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/webboard/wsprobe/pkg/wsrpc"
)

// Scenario is one verification step: a description, an action and an
// assertion. The field form covers single calls and notifications;
// compound flows set Run, which overrides everything else.
type Scenario struct {
	Name   string
	Method string
	Params any
	ID     any  // explicit correlation id; nil means auto
	Notify bool // send as notification, expect no reply

	// ExpectCode makes the scenario pass only when the peer returns an
	// error object with exactly this code. The code is the match key;
	// the message text never is.
	ExpectCode *int

	// Check asserts on the raw result of a successful call.
	Check func(result json.RawMessage) error

	// Run replaces the declarative fields for multi-step scenarios.
	Run func(ctx context.Context, client *wsrpc.Client) error
}

// Outcome records one scenario's result.
type Outcome struct {
	Scenario string
	Err      error
}

// Runner executes scenarios in order, fail-soft: a failure is recorded
// with its context and the remaining scenarios still run.
type Runner struct {
	log zerolog.Logger
}

func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "runner").Logger()}
}

// Run drives every scenario and returns all outcomes.
func (r *Runner) Run(ctx context.Context, client *wsrpc.Client, scenarios []Scenario) []Outcome {
	outcomes := make([]Outcome, 0, len(scenarios))
	for _, s := range scenarios {
		err := r.exec(ctx, client, s)
		if err != nil {
			evt := r.log.Error().Str("scenario", s.Name).Err(err)
			if s.Method != "" {
				evt = evt.Str("method", s.Method)
				if sent, merr := json.Marshal(s.Params); merr == nil && s.Params != nil {
					evt = evt.RawJSON("sent_params", sent)
				}
			}
			evt.Msg("Scenario failed")
		} else {
			r.log.Info().Str("scenario", s.Name).Msg("Scenario passed")
		}
		outcomes = append(outcomes, Outcome{Scenario: s.Name, Err: err})
	}
	return outcomes
}

func (r *Runner) exec(ctx context.Context, client *wsrpc.Client, s Scenario) error {
	if s.Run != nil {
		return s.Run(ctx, client)
	}
	if s.Notify {
		return client.Notify(ctx, s.Method, s.Params)
	}

	var result json.RawMessage
	var err error
	if s.ID != nil {
		err = client.CallWithID(ctx, s.ID, s.Method, s.Params, &result)
	} else {
		err = client.Call(ctx, s.Method, s.Params, &result)
	}

	if s.ExpectCode != nil {
		if err == nil {
			return fmt.Errorf("expected error code %d, got result %s", *s.ExpectCode, result)
		}
		var remote *wsrpc.RemoteError
		if !errors.As(err, &remote) {
			return fmt.Errorf("expected error code %d, got local failure: %w", *s.ExpectCode, err)
		}
		if remote.Code != *s.ExpectCode {
			return fmt.Errorf("expected error code %d, got %d (%s)", *s.ExpectCode, remote.Code, remote.Message)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if s.Check != nil {
		return s.Check(result)
	}
	return nil
}

// Summarize counts outcomes and logs the final tally.
func (r *Runner) Summarize(outcomes []Outcome) (passed, failed int) {
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		} else {
			passed++
		}
	}
	level := zerolog.InfoLevel
	if failed > 0 {
		level = zerolog.ErrorLevel
	}
	r.log.WithLevel(level).Int("passed", passed).Int("failed", failed).Msg("Battery finished")
	return passed, failed
}
