/*
Copyright 2024 Elevizion Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package poll runs bounded "check until ready" loops. Every wait on the
// remote platform (upload readiness, playlist verification) goes through
// Until so that no loop can spin forever.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBudgetExhausted is returned when the check never reported done within
// the attempt budget.
var ErrBudgetExhausted = errors.New("poll budget exhausted")

var errNotReady = errors.New("not ready")

// Budget bounds a polling loop.
type Budget struct {
	Interval    time.Duration
	MaxAttempts int
}

// Check is called once per attempt, starting at 1. Returning done=true stops
// the loop successfully; returning an error wrapped with Permanent stops it
// with that error. Any other error counts as a failed attempt.
type Check func(ctx context.Context, attempt int) (done bool, err error)

// Permanent marks err as fatal so Until stops immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Until polls check until it is done, fails permanently, the context ends or
// the budget is exhausted. It returns the number of attempts made.
func Until(ctx context.Context, budget Budget, check Check) (int, error) {
	if budget.MaxAttempts <= 0 {
		budget.MaxAttempts = 1
	}

	attempts := 0
	permanent := false
	var lastErr error

	op := func() error {
		attempts++
		done, err := check(ctx, attempts)
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				permanent = true
				return err
			}
			lastErr = err
			return err
		}
		if done {
			return nil
		}
		lastErr = nil
		return errNotReady
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(budget.Interval), uint64(budget.MaxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		return attempts, nil
	case permanent:
		return attempts, err
	case ctx.Err() != nil:
		return attempts, ctx.Err()
	case lastErr != nil:
		return attempts, fmt.Errorf("%w after %d attempts: %v", ErrBudgetExhausted, attempts, lastErr)
	default:
		return attempts, fmt.Errorf("%w after %d attempts", ErrBudgetExhausted, attempts)
	}
}
