package health

import (
	"context"
	"errors"

	"github.com/hibikichat/hibiki/pkg/memory"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// StoreChecker returns a readiness checker that probes the long-term memory
// backend. A store outage does not fail turns (retrieval degrades to the
// sentinel) but it does mean new memories are being dropped, so readiness
// reports it.
func StoreChecker(backend memory.Backend) Checker {
	return Checker{
		Name:  "memory-store",
		Check: backend.Ping,
	}
}

// ProviderChecker returns a readiness checker for the completion provider.
// Providers expose no liveness probe of their own (a health request would be
// a billable completion), so this checks configuration only: a provider must
// be present and report a model.
func ProviderChecker(provider llm.Provider) Checker {
	return Checker{
		Name: "completion-provider",
		Check: func(context.Context) error {
			if provider == nil {
				return errors.New("no completion provider configured")
			}
			if provider.ModelID() == "" {
				return errors.New("completion provider reports no model")
			}
			return nil
		},
	}
}
