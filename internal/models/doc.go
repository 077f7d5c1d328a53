// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package models defines the data types shared by the fetcher, the store, the
// sync orchestrator and the HTTP adapter: upstream SourceRecords, the
// persisted Vulnerability projection, bulk write results, sync metadata rows
// and the API response envelope.
package models
