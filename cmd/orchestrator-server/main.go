// orchestrator-server runs the mobile test job orchestrator: the State
// Store and Queue Broker connections, the Scheduler/Dispatcher/Lifecycle
// Monitor periodic services, and the HTTP request surface.
package main

import (
	"log"

	"testforge/internal/delivery/server/bootstrap"
	runtimeconfig "testforge/internal/shared/config"
)

func main() {
	cfg, err := runtimeconfig.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := bootstrap.RunServer(cfg); err != nil {
		log.Fatalf("orchestrator-server exited: %v", err)
	}
}
