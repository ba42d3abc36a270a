// Package telemetry wires optional error reporting.
package telemetry

import (
	"fmt"

	"github.com/getsentry/sentry-go"
)

// SentryConfig selects the Sentry project. An empty DSN disables reporting.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	Component   string
}

// InitSentry initialises the Sentry client and returns a hub tagged with
// cfg.Component. It returns (nil, nil) when cfg.DSN is empty.
func InitSentry(cfg SentryConfig) (*sentry.Hub, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", cfg.Component)
	})
	return hub, nil
}
