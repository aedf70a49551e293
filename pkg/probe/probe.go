// Package probe runs startup checks against the backing services.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single check when the probe sets none.
const DefaultTimeout = 5 * time.Second

// CheckFunc performs one check. It returns nil when the service is usable.
type CheckFunc func(ctx context.Context) error

// Probe represents a single startup check.
type Probe struct {
	Name    string
	Check   CheckFunc
	Timeout time.Duration
	// Critical probes abort startup on failure.
	Critical bool
}

// Result holds the outcome of a single probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// Pinger is satisfied by *sql.DB and the types embedding it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping checks a database connection.
func Ping(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return errors.New("not connected")
		}
		return p.PingContext(ctx)
	}
}

// Run executes the probes in order and returns their results.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, len(probes))

	for i, p := range probes {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		checkCtx, cancel := context.WithTimeout(ctx, timeout)

		start := time.Now()
		err := p.Check(checkCtx)
		cancel()

		results[i] = Result{
			Probe:    p,
			Error:    err,
			Duration: time.Since(start),
		}
	}

	return results
}

// AnalyzeResults logs a summary line per probe and returns the joined
// errors of the critical probes that failed.
func AnalyzeResults(logger *slog.Logger, results []Result) error {
	if logger == nil {
		logger = slog.Default()
	}
	var criticalErrors []error

	logger.Info("Startup Checks Summary", "count", len(results))

	for _, r := range results {
		status := "PASS"
		if r.Error != nil {
			status = "FAIL"
		}

		msg := fmt.Sprintf("[%s] %-20s (%v)", status, r.Probe.Name, r.Duration.Round(time.Millisecond))

		switch {
		case r.Error == nil:
			logger.Info(msg)
		case r.Probe.Critical:
			logger.Error(msg, "error", r.Error)
			criticalErrors = append(criticalErrors, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
		default:
			logger.Warn(msg, "error", r.Error)
		}
	}

	return errors.Join(criticalErrors...)
}
