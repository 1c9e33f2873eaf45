package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pubstats/internal/config"
	"github.com/sells-group/pubstats/internal/distribute"
	"github.com/sells-group/pubstats/internal/fetcher"
	"github.com/sells-group/pubstats/internal/guard"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/oplog"
	"github.com/sells-group/pubstats/internal/resilience"
	"github.com/sells-group/pubstats/internal/store"
)

func retryConfig(c *config.Config) resilience.RetryConfig {
	r := c.Retry
	return resilience.FromSettings(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction, c.Store.QueryTimeout())
}

// initStore opens the Postgres store. The caller closes it.
func initStore(ctx context.Context) (*store.PostgresStore, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, store.PoolConfig{
		MaxConns:       cfg.Store.MaxConns,
		MinConns:       cfg.Store.MinConns,
		AcquireTimeout: cfg.Store.AcquireTimeout(),
		QueryTimeout:   cfg.Store.QueryTimeout(),
	}, retryConfig(cfg))
}

func initFetcher(c *config.Config) *fetcher.Router {
	retry := retryConfig(c)
	retry.AttemptTimeout = 0
	retry.OnRetry = resilience.RetryLogger("fetcher", "download")
	return fetcher.New(fetcher.Options{
		UserAgent:  c.Fetch.UserAgent,
		Timeout:    time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		RatePerSec: c.Fetch.RatePerSec,
		Burst:      c.Fetch.Burst,
		Retry:      retry,
	})
}

// initRunner wires a batch runner onto an open store.
func initRunner(st *store.PostgresStore) (*distribute.Runner, error) {
	if err := cfg.Validate("distribute"); err != nil {
		return nil, err
	}
	tolerance, err := cfg.Distribution.Tolerance()
	if err != nil {
		return nil, err
	}
	log := oplog.New(st.Pool(), st.Retry())
	return distribute.NewRunner(st, log, initFetcher(cfg), guard.New(log, cfg.Distribution.IdempotencyWindow()), distribute.Config{
		Concurrency:       cfg.Distribution.Concurrency,
		MaxFailedFraction: cfg.Distribution.MaxFailedFraction,
		RevenueTolerance:  tolerance,
	}), nil
}

// parseScope turns optional --from/--to flag values into a date range.
func parseScope(from, to string) (model.DateRange, error) {
	var r model.DateRange
	var err error
	if from != "" {
		if r.From, err = model.ParseDate(from); err != nil {
			return r, eris.Wrapf(err, "invalid --from %q", from)
		}
	}
	if to != "" {
		if r.To, err = model.ParseDate(to); err != nil {
			return r, eris.Wrapf(err, "invalid --to %q", to)
		}
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return r, eris.Errorf("--from %s is after --to %s", from, to)
	}
	return r, nil
}

// writeOutput renders v as json, yaml, or through text.
func writeOutput(out io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "", "text":
		text(out)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unsupported output format %q (text, json, yaml)", format)
	}
}
