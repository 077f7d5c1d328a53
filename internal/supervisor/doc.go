// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package supervisor runs vulnsync's long-lived services under suture v4.

The tree has two layers so a crashing scheduler never takes the HTTP API
down with it:

	RootSupervisor ("vulnsync")
	├── SyncSupervisor ("sync-layer")
	│   └── SyncService (orchestrator scheduler: cron + interval)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

Crashed services are restarted with suture's backoff. Cancelling the context
passed to Serve shuts the tree down; each service gets ShutdownTimeout to
stop. Supervisor events are logged through sutureslog into the zerolog
backed slog handler.

# Usage Example

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddSyncService(services.NewSyncService(orch))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	<-errCh
*/
package supervisor
