// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package retry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Classification is the outcome of inspecting an error.
type Classification struct {
	Category  Category
	Retryable bool
}

// Classifier is implemented by errors that know their own category. The
// database layer uses it to mark constraint violations as final.
type Classifier interface {
	RetryClassification() Classification
}

// StatusError is a non-2xx response from an HTTP upstream.
type StatusError struct {
	Code       int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("upstream returned %d", e.Code)
}

// RetryClassification maps the status code to a category.
func (e *StatusError) RetryClassification() Classification {
	return ClassifyStatus(e.Code)
}

// ClassifyStatus maps an HTTP status code to a category.
func ClassifyStatus(code int) Classification {
	switch {
	case code == http.StatusTooManyRequests:
		return Classification{RateLimit, true}
	case code == http.StatusUnauthorized:
		return Classification{Authentication, true}
	case code == http.StatusForbidden:
		return Classification{Authentication, false}
	case code >= 400 && code < 500:
		return Classification{ClientError, false}
	case code >= 500:
		return Classification{ServerError, true}
	default:
		return Classification{Unknown, true}
	}
}

// DatabaseError marks err as a database failure.
type DatabaseError struct {
	Err       error
	Permanent bool
}

func (e *DatabaseError) Error() string { return e.Err.Error() }
func (e *DatabaseError) Unwrap() error { return e.Err }

func (e *DatabaseError) RetryClassification() Classification {
	return Classification{Category: Database, Retryable: !e.Permanent}
}

// Transient wraps a retryable database error. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Err: err}
}

// Permanent wraps a database error that must not be retried, such as a
// constraint violation. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Err: err, Permanent: true}
}

// Classify inspects err and its chain. It is a pure function.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Unknown, false}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Unknown, false}
	}

	var c Classifier
	if errors.As(err, &c) {
		return c.RetryClassification()
	}

	if isNetworkError(err) {
		return Classification{Network, true}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return Classification{Database, true}
	}
	return Classification{Unknown, true}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
