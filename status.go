package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/go-authgate/token-keeper/refresh"
)

// statusCommand prints the verdict for the stored token without refreshing.
type statusCommand struct {
	opts *Options
}

type statusReport struct {
	refresh.Verdict
	Tenant    string    `json:"tenant,omitempty"`
	Source    string    `json:"source,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

func (c *statusCommand) Execute(_ []string) error {
	log, err := c.opts.logger(false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	a, _, err := c.opts.openStore(ctx, log)
	if err != nil {
		log.Error("cannot open store", zap.Error(err))
		return err
	}
	defer a.close()

	rec := a.store.Read(ctx)
	report := statusReport{Verdict: refresh.Judge(rec, time.Now(), c.opts.Margin)}
	if rec != nil {
		report.Tenant = rec.Tenant
		report.Source = rec.Source
		report.FetchedAt = rec.FetchedAt
	}
	if report.Err != nil {
		report.Error = report.Err.Error()
	}

	enc := json.NewEncoder(c.opts.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	switch {
	case report.Err != nil:
		return report.Err
	case !report.Valid:
		return errTokenNotUsable
	}
	return nil
}
