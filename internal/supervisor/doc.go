// Telemetry Relay - Reliable Delivery Pipeline for Client Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/telemetry-relay

/*
Package supervisor runs the relay's long-lived services under suture v4.

	RootSupervisor ("telemetry-relay")
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── environment.Monitor (collector reachability probe)
	│   └── StoreGCService (when the queue is stored in Badger)
	├── MessagingSupervisor ("messaging-layer")
	│   └── BridgeService (when bridge.enabled)
	├── PluginSupervisor ("plugin-layer")
	│   └── plugins implementing suture.Service, added by plugin.Manager
	└── APISupervisor ("api-layer")
	    └── APIService (ingest and operator API)

Crashed services restart with suture's backoff. Each layer counts its own
failures, so a flapping NATS connection never restarts the ingest API.
Supervisor events are logged through sutureslog onto the zerolog-backed
slog handler from the logging package.

The pipeline itself is not a supervised service: it is started before the
tree and shut down after it, so the queue is persisted only once every
producer has stopped.

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	p.Plugins().SetServiceHost(tree.PluginHost())
	tree.AddPipelineService(p.Monitor())
	tree.AddAPIService(services.NewAPIService(newServer, p, 10*time.Second))
	errCh := tree.ServeBackground(ctx)
*/
package supervisor
