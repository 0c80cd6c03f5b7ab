// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"fmt"
	"time"
)

// PollConfig configures condition polling with exponential backoff.
type PollConfig struct {
	// MaxAttempts is the maximum number of condition checks (including
	// the first). Default: 10
	MaxAttempts int

	// InitialDelay is the wait after the first unmet check. Default: 250ms
	InitialDelay time.Duration

	// MaxDelay caps the wait between checks. Default: 2s
	MaxDelay time.Duration

	// Factor is the multiplier applied to the delay after each unmet
	// check. Default: 2.0
	Factor float64
}

// DefaultPollConfig returns the polling defaults used during apply.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		MaxAttempts:  10,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Factor:       2.0,
	}
}

// Validate checks config sanity.
func (c PollConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive, got %v", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay %v is below initial delay %v", c.MaxDelay, c.InitialDelay)
	}
	if c.Factor < 1.0 {
		return fmt.Errorf("factor must be at least 1.0, got %v", c.Factor)
	}
	return nil
}

// ConditionFunc reports whether the awaited condition holds. A returned
// error aborts polling immediately.
type ConditionFunc func(ctx context.Context) (bool, error)

// Poll checks fn until it reports true, waiting between checks with
// exponential backoff.
//
// Inputs:
//
//	ctx - Cancels the wait between checks.
//	cfg - Attempt count and delay schedule.
//	fn - Condition to await.
//
// Outputs:
//
//	nil once fn returns true; fn's error verbatim if it fails;
//	ErrPollExhausted when MaxAttempts checks all came back false;
//	ctx.Err() when cancelled mid-wait.
func Poll(ctx context.Context, cfg PollConfig, fn ConditionFunc) error {
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		// No wait after the last attempt.
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("%w: condition unmet after %d attempts", ErrPollExhausted, cfg.MaxAttempts)
}
