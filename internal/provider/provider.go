// Package provider defines the adapter contract every upstream weather API
// client implements, and the typed failures the ingestion scheduler reacts to.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agromet/agromet/internal/obs"
)

// Adapter is one upstream weather API. An adapter performs exactly one HTTP
// attempt per call and translates the provider's native response into
// canonical observations. Retry policy lives in the scheduler, not here.
type Adapter interface {
	// FetchCurrent fetches the latest conditions for a station.
	FetchCurrent(ctx context.Context, station obs.Station) ([]obs.Observation, error)

	// FetchRange fetches observations covering [from, to].
	FetchRange(ctx context.Context, station obs.Station, from, to time.Time) ([]obs.Observation, error)

	// Name returns the stable provider identifier.
	Name() string

	// MinInterval is the minimum polling interval the provider will
	// honour; the scheduler never polls a (station, provider) pair
	// more often than this.
	MinInterval() time.Duration

	// Variables lists the canonical variables this provider can supply.
	Variables() []obs.Variable
}

// FailureKind classifies an adapter failure for the scheduler.
type FailureKind string

const (
	// FailureQuota means the provider's rate or quota budget is exhausted.
	// The pair enters cooldown until RetryAfter elapses.
	FailureQuota FailureKind = "quota"

	// FailureTransient means a network error, timeout or 5xx. The pair is
	// retried and degrades after repeated failures.
	FailureTransient FailureKind = "transient"

	// FailurePermanent means a non-retryable client error (4xx other than
	// 429). The pair is marked broken until an operator resets it.
	FailurePermanent FailureKind = "permanent"

	// FailureSchema means the response could not be parsed into the
	// canonical shape. The raw body is logged and the pair is marked
	// broken; a schema change needs operator attention.
	FailureSchema FailureKind = "schema"
)

// Failure is a typed adapter error.
type Failure struct {
	Kind       FailureKind
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("provider failure (%s): %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("provider failure (%s)", f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err. Unclassified errors are wrapped as
// transient so the scheduler's backoff still applies.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: FailureTransient, Err: err}
}

// Quota returns a quota failure honouring the provider's Retry-After hint.
func Quota(retryAfter time.Duration, err error) *Failure {
	return &Failure{Kind: FailureQuota, RetryAfter: retryAfter, Err: err}
}

// Transient returns a transient failure.
func Transient(err error) *Failure {
	return &Failure{Kind: FailureTransient, Err: err}
}

// Permanent returns a permanent failure for HTTP status code.
func Permanent(statusCode int, err error) *Failure {
	return &Failure{Kind: FailurePermanent, StatusCode: statusCode, Err: err}
}

// Schema returns a schema failure.
func Schema(err error) *Failure {
	return &Failure{Kind: FailureSchema, Err: err}
}

// Config describes one configured upstream provider instance.
type Config struct {
	ID          string        `yaml:"id" validate:"required"`
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	MinInterval time.Duration `yaml:"min_interval" validate:"required"`
	HourlyQuota int           `yaml:"hourly_quota"`
	DailyQuota  int           `yaml:"daily_quota"`
	Timeout     time.Duration `yaml:"timeout"`
}
