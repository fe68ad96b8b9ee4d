// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mainloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// contextOptions holds configuration options for Context creation.
type contextOptions struct {
	logger         *logiface.Logger[logiface.Event]
	logRates       map[time.Duration]int
	maxPollTimeout time.Duration
	metricsEnabled bool
}

// --- Context Options ---

// Option configures a Context instance.
type Option interface {
	applyContext(*contextOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyContextFunc func(*contextOptions) error
}

func (o *optionImpl) applyContext(opts *contextOptions) error {
	return o.applyContextFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimit limits how often failures of any single source are
// logged, e.g. a repeating timer that fails every iteration. The rates are
// per source, see catrate.NewLimiter for the accepted format.
// By default, every failure is logged.
func WithLogRateLimit(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *contextOptions) error {
		for window, count := range rates {
			if window <= 0 || count <= 0 {
				return errors.New("mainloop: log rate limit windows and counts must be positive")
			}
		}
		opts.logRates = rates
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Context.
// When enabled, metrics can be accessed via Context.Metrics().
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithMaxPollTimeout caps the duration of any single blocking poll. The loop
// still only dispatches ready sources, so this only bounds how long Run may go
// without re-evaluating. Zero (the default) means no cap.
func WithMaxPollTimeout(d time.Duration) Option {
	return &optionImpl{func(opts *contextOptions) error {
		if d < 0 {
			return errors.New("mainloop: max poll timeout must not be negative")
		}
		opts.maxPollTimeout = d
		return nil
	}}
}

// resolveOptions applies Option instances to contextOptions.
func resolveOptions(opts []Option) (*contextOptions, error) {
	cfg := &contextOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyContext(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Source Options ---

// SourceOption configures a Source at construction.
type SourceOption interface {
	applySource(*Source)
}

type sourceOptionImpl struct {
	applySourceFunc func(*Source)
}

func (o *sourceOptionImpl) applySource(s *Source) {
	o.applySourceFunc(s)
}

// WithPriority sets the dispatch priority. Lower values are dispatched first.
// See PriorityHigh, PriorityDefault and PriorityIdle.
func WithPriority(priority int) SourceOption {
	return &sourceOptionImpl{func(s *Source) {
		s.priority = priority
	}}
}

// WithName sets a diagnostic name, used in logs and errors.
func WithName(name string) SourceOption {
	return &sourceOptionImpl{func(s *Source) {
		s.name = name
	}}
}

// WithDisabled creates the source disabled. It will not be considered for
// dispatch until enabled via Context.SetEnabled.
func WithDisabled() SourceOption {
	return &sourceOptionImpl{func(s *Source) {
		s.enabled.Store(false)
	}}
}
