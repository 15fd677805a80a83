package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/seiroga/trading/internal/collector"
	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/config"
)

// engineSettings are the application settings resolved to typed values.
type engineSettings struct {
	Instrument string
	TradeFrame time.Duration
	Collector  collector.Options
}

// resolveSettings applies defaults and rejects values of the wrong type.
func resolveSettings(s *config.Settings) (engineSettings, error) {
	opts := collector.DefaultOptions()
	out := engineSettings{}

	var err error
	if out.Instrument, err = s.String(config.KeyWorkingInstrument, "EUR_USD"); err != nil {
		return out, err
	}
	if opts.CacheSize, err = s.Int(config.KeyCacheSize, opts.CacheSize); err != nil {
		return out, err
	}
	if opts.Granularity, err = s.Duration(config.KeyDataGranularity, time.Second, opts.Granularity); err != nil {
		return out, err
	}
	if out.TradeFrame, err = s.Duration(config.KeyTradeFrame, time.Second, time.Hour); err != nil {
		return out, err
	}
	if opts.PollInterval, err = s.Duration(config.KeyInstantPollInterval, time.Millisecond, opts.PollInterval); err != nil {
		return out, err
	}
	if opts.AlignmentCompensation, err = s.Duration(config.KeyAlignmentCompensation, time.Millisecond, opts.AlignmentCompensation); err != nil {
		return out, err
	}
	if opts.RetryBackoff, err = s.Duration(config.KeyRetryBackoff, time.Millisecond, opts.RetryBackoff); err != nil {
		return out, err
	}
	if opts.RetryLimit, err = s.Int(config.KeyHistoricalRetryLimit, opts.RetryLimit); err != nil {
		return out, err
	}

	if opts.CacheSize <= 0 {
		return out, fmt.Errorf("%s must be positive", config.KeyCacheSize)
	}
	if opts.Granularity <= 0 || out.TradeFrame < opts.Granularity {
		return out, fmt.Errorf("%s must be positive and not longer than %s", config.KeyDataGranularity, config.KeyTradeFrame)
	}
	out.Collector = opts
	return out, nil
}

// verifyInstrument fails when the broker does not offer instrument.
func verifyInstrument(ctx context.Context, conn broker.Connector, instrument string) error {
	instruments, err := conn.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	if !slices.Contains(instruments, instrument) {
		return fmt.Errorf("instrument %s is not supported by the broker", instrument)
	}
	return nil
}
