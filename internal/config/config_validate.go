// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/vulnsync/internal/validation"
)

// Validate checks struct tags first, then the cross-field rules of each section.
// All failures are reported together.
func (c *Config) Validate() error {
	var errs []error
	if verr := validation.ValidateStruct(c); verr != nil {
		errs = append(errs, verr)
	}
	errs = append(errs,
		c.validateServer(),
		c.validateUpstream(),
		c.validateSync(),
		c.validateCache(),
		c.validateEvents(),
		c.validateAPI(),
	)
	return errors.Join(errs...)
}

func (c *Config) validateServer() error {
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("HTTP_READ_TIMEOUT and HTTP_WRITE_TIMEOUT must not be negative")
	}
	return nil
}

// validateUpstream validates the NVD client settings
func (c *Config) validateUpstream() error {
	if c.Upstream.RateWindow <= 0 {
		return fmt.Errorf("NVD_RATE_WINDOW must be positive, got %v", c.Upstream.RateWindow)
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("NVD_REQUEST_TIMEOUT must be positive, got %v", c.Upstream.RequestTimeout)
	}
	if containsPlaceholder(c.Upstream.APIKey) {
		return fmt.Errorf("NVD_API_KEY contains a placeholder value")
	}
	return nil
}

func (c *Config) validateSync() error {
	s := c.Sync
	switch {
	case s.JobTimeout <= 0:
		return fmt.Errorf("SYNC_JOB_TIMEOUT must be positive, got %v", s.JobTimeout)
	case s.StaleAfter <= 0:
		return fmt.Errorf("SYNC_STALE_AFTER must be positive, got %v", s.StaleAfter)
	case s.IncrementalInterval < 0:
		return fmt.Errorf("SYNC_INCREMENTAL_INTERVAL must not be negative (0 disables), got %v", s.IncrementalInterval)
	case s.RetryBaseDelay < 0:
		return fmt.Errorf("SYNC_RETRY_BASE_DELAY must not be negative, got %v", s.RetryBaseDelay)
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive when CACHE_ENABLED=true, got %v", c.Cache.TTL)
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.Enabled && c.Events.Backend == "nats" && c.Events.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when EVENTS_BACKEND=nats")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.RateLimitWindow <= 0 {
		return fmt.Errorf("API_RATE_LIMIT_WINDOW must be positive, got %v", c.API.RateLimitWindow)
	}
	return nil
}

// placeholderPatterns catch values copied unchanged from example configs.
var placeholderPatterns = []string{
	"REPLACE",
	"CHANGEME",
	"CHANGE_ME",
	"YOUR_API_KEY",
	"PLACEHOLDER",
}

func containsPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	for _, pattern := range placeholderPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}
