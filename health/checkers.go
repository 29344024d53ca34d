package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-cqrs/cqrs"
	"github.com/glimte/mmate-cqrs/messaging"
)

// SessionOpener opens the session of a configured transport
type SessionOpener interface {
	Session(transportID string) (messaging.Session, error)
}

// TransportChecker verifies a transport accepts connections by opening its
// session and allocating a temporary destination
type TransportChecker struct {
	transportID string
	opener      SessionOpener
}

// NewTransportChecker creates a checker for one transport id
func NewTransportChecker(transportID string, opener SessionOpener) *TransportChecker {
	return &TransportChecker{transportID: transportID, opener: opener}
}

func (c *TransportChecker) Name() string {
	return "transport:" + c.transportID
}

func (c *TransportChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"transport": c.transportID},
	}
	defer func() { result.Duration = time.Since(start) }()

	session, err := c.opener.Session(c.transportID)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open session"
		result.Error = err.Error()
		return result
	}

	dest, err := session.CreateTemporaryDestination()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create temporary destination"
		result.Error = err.Error()
		return result
	}
	result.Details["temporaryDestination"] = dest.Subscribe

	result.Status = StatusHealthy
	result.Message = "Transport is reachable"
	return result
}

// CommandBacklogChecker reports bounded contexts whose command queues grow
type CommandBacklogChecker struct {
	engine            *cqrs.CqrsEngine
	warningThreshold  int
	criticalThreshold int
}

// NewCommandBacklogChecker creates a backlog checker. A context with more
// pending commands than warning is degraded, more than critical is unhealthy.
func NewCommandBacklogChecker(engine *cqrs.CqrsEngine, warning, critical int) *CommandBacklogChecker {
	return &CommandBacklogChecker{engine: engine, warningThreshold: warning, criticalThreshold: critical}
}

func (c *CommandBacklogChecker) Name() string {
	return "command-backlog"
}

func (c *CommandBacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Command queues are draining",
		Timestamp: start,
		Details:   make(map[string]any),
	}

	worst := 0
	for _, bc := range c.engine.BoundedContexts() {
		pending := bc.PendingCommands()
		result.Details[bc.Name()] = pending
		worst = max(worst, pending)
	}

	switch {
	case worst > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Command backlog too large: %d", worst)
	case worst > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High command backlog: %d", worst)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warningThreshold, criticalThreshold int) *RuntimeChecker {
	return &RuntimeChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function to Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
