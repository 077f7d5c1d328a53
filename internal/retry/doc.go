// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package retry classifies failures and retries fallible calls with a
per-category backoff policy.

Every upstream fetch and every database write in the sync path runs inside
Engine.Do:

	attempts, err := engine.Do(ctx, "fetch_page", func(ctx context.Context) error {
		return client.get(ctx, cursor)
	})

# Categories

	Category        Attempts  Base   Strategy
	network         5         1s     exponential x2
	rate_limit      10        5s     linear
	server_error    3         2s     exponential x2.5
	database        3         500ms  exponential x2
	authentication  2         1s     fixed
	client_error    1         -      never retried

A 403 and a database constraint violation are never retried regardless of
the table above. Delays are capped at MaxDelay and perturbed by
+/- delay*JitterRange, clamped at zero.

The sleeper, jitter source and clock are injectable (WithSleeper, WithRand,
WithClock) so policies can be tested without waiting.
*/
package retry
