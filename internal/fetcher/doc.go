// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package fetcher retrieves pages of CVE records from an NVD CVE API 2.0
compatible upstream.

Every request goes through, in order:
  - the read-through cache (a hit skips the network entirely)
  - the retry engine, which classifies each failure and sleeps between attempts
  - the shared rate limiter, one token per HTTP request including retries
  - the circuit breaker, which rejects calls while the upstream is failing

Non-2xx responses become *retry.StatusError with at most 64KB of the body
attached. A 429 with a Retry-After header pauses the shared limiter so that
other workers back off too.

Failures that survive the retry engine are returned as *FetchError carrying
the cursor of the page that could not be fetched.

Normalize projects an upstream record onto models.Vulnerability. Severity and
score come from the newest CVSS version present (v4.0, v3.1, v3.0, v2) and
the description is the English one.
*/
package fetcher
