// Package tuning holds the runtime-tunable values of the feed engine.
package tuning

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultSessionLifetime is how long a non-HEAD session stays live.
	DefaultSessionLifetime = time.Hour

	// DefaultDismissActionTTL is how long a dismiss action stays valid.
	DefaultDismissActionTTL = 3 * 24 * time.Hour

	// DefaultMinValidActionRatio is the valid/total ratio below which dismiss actions are collected.
	DefaultMinValidActionRatio = 0.3
)

// ErrInvalidValue is returned when a tunable is out of range.
var ErrInvalidValue = errors.New("invalid tuning value")

// Values are the tunables of the feed engine.
type Values struct {
	// SessionLifetime is the age at which a session is evicted and recreated.
	SessionLifetime time.Duration `yaml:"session_lifetime"`

	// DismissActionTTL is the age after which a dismiss action is stale.
	DismissActionTTL time.Duration `yaml:"dismiss_action_ttl"`

	// MinValidActionRatio triggers dismiss action GC when valid/total falls below it.
	MinValidActionRatio float64 `yaml:"min_valid_action_ratio"`
}

// DefaultValues returns the documented defaults.
func DefaultValues() Values {
	return Values{
		SessionLifetime:     DefaultSessionLifetime,
		DismissActionTTL:    DefaultDismissActionTTL,
		MinValidActionRatio: DefaultMinValidActionRatio,
	}
}

// WithDefaults fills zero fields from DefaultValues.
func (v Values) WithDefaults() Values {
	d := DefaultValues()
	if v.SessionLifetime == 0 {
		v.SessionLifetime = d.SessionLifetime
	}
	if v.DismissActionTTL == 0 {
		v.DismissActionTTL = d.DismissActionTTL
	}
	if v.MinValidActionRatio == 0 {
		v.MinValidActionRatio = d.MinValidActionRatio
	}
	return v
}

// Validate checks that every value is in range.
func (v Values) Validate() error {
	if v.SessionLifetime <= 0 {
		return fmt.Errorf("%w: session_lifetime must be positive, got %s", ErrInvalidValue, v.SessionLifetime)
	}
	if v.DismissActionTTL <= 0 {
		return fmt.Errorf("%w: dismiss_action_ttl must be positive, got %s", ErrInvalidValue, v.DismissActionTTL)
	}
	if v.MinValidActionRatio < 0 || v.MinValidActionRatio > 1 {
		return fmt.Errorf("%w: min_valid_action_ratio must be within [0, 1], got %g", ErrInvalidValue, v.MinValidActionRatio)
	}
	return nil
}

// Configuration serves the current Values and accepts updates at runtime.
// It is safe for concurrent use.
type Configuration struct {
	mu sync.RWMutex
	v  Values
}

// NewConfiguration creates a Configuration, filling zero fields with defaults.
func NewConfiguration(v Values) (*Configuration, error) {
	v = v.WithDefaults()
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &Configuration{v: v}, nil
}

// Values returns a snapshot of the current values.
func (c *Configuration) Values() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

// Update replaces the current values. Invalid values are rejected and the old ones kept.
func (c *Configuration) Update(v Values) error {
	v = v.WithDefaults()
	if err := v.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
	return nil
}

// SessionLifetime returns the current session lifetime.
func (c *Configuration) SessionLifetime() time.Duration {
	return c.Values().SessionLifetime
}

// DismissActionTTL returns the current dismiss action TTL.
func (c *Configuration) DismissActionTTL() time.Duration {
	return c.Values().DismissActionTTL
}

// MinValidActionRatio returns the current GC ratio threshold.
func (c *Configuration) MinValidActionRatio() float64 {
	return c.Values().MinValidActionRatio
}
