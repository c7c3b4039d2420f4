// Package bootstrap drives orchestrator-server startup in ordered stages:
// connect the state store and queue broker, start the scheduler, dispatcher,
// and retry monitor, and bring up the HTTP listener. Optional stages that
// fail are recorded as degraded instead of aborting startup.
package bootstrap

import (
	"fmt"
	"sync"

	"testforge/internal/shared/logging"
)

// Stage represents a single initialization step during server startup.
type Stage struct {
	Name     string       // human-readable stage name (e.g. "state-store", "broker")
	Required bool         // if true, failure aborts startup; otherwise recorded as degraded
	Init     func() error // initialization function
}

// DegradedComponents tracks components that failed optional initialization
// but did not prevent server startup (e.g. the metrics registry, the
// tracer provider).
type DegradedComponents struct {
	mu         sync.RWMutex
	components map[string]string // component name -> error description
}

// NewDegradedComponents creates a new degraded component tracker.
func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{components: make(map[string]string)}
}

// Record marks a component as degraded with an error description.
func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Map returns a snapshot of all degraded components.
func (d *DegradedComponents) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.components))
	for k, v := range d.components {
		out[k] = v
	}
	return out
}

// IsEmpty reports whether any components are degraded.
func (d *DegradedComponents) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.components) == 0
}

// RunStages executes stages in order. Required stages abort startup on
// error; optional stages are recorded as degraded and execution continues.
func RunStages(stages []Stage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		logger.Info("[Bootstrap] running stage: %s (required=%v)", stage.Name, stage.Required)
		if err := stage.Init(); err != nil {
			if stage.Required {
				return fmt.Errorf("required stage %q failed: %w", stage.Name, err)
			}
			logger.Warn("[Bootstrap] optional stage %q failed: %v (continuing in degraded mode)", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}
