// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package services adapts vulnsync components to suture.Service.

HTTPServerService turns ListenAndServe/Shutdown into Serve(ctx).
SyncService turns the orchestrator's Start/Stop scheduler lifecycle into
Serve(ctx). Both return ctx.Err() on a requested shutdown and a wrapped error
on failure, which suture answers with a restart.
*/
package services
