package monitoring

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sonicvault/sonicvault-go/internal/fsys"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check response
type HealthCheck struct {
	Status        HealthStatus     `json:"status"`
	Version       string           `json:"version"`
	Uptime        int64            `json:"uptime"`
	UptimeHuman   string           `json:"uptime_human"`
	PendingItems  int              `json:"pending_items"`
	InFlightItems int              `json:"inflight_items"`
	Transfers     int              `json:"active_transfers"`
	MemoryUsageMB uint64           `json:"memory_usage_mb"`
	StoreStatus   string           `json:"store_status"`
	Checks        map[string]Check `json:"checks"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Check represents an individual health check
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Pinger is satisfied by the key-value store.
type Pinger interface {
	Ping() error
}

// SpaceReporter is satisfied by the filesystem collaborator.
type SpaceReporter interface {
	FreeSpace() (fsys.Space, error)
}

// Free space thresholds for the document volume
const (
	LowSpaceBytes      = 1 << 30   // 1 GiB
	CriticalSpaceBytes = 100 << 20 // 100 MiB
)

// HealthChecker performs health checks
type HealthChecker struct {
	version   string
	startTime time.Time
	store     Pinger
	space     SpaceReporter
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string, store Pinger, space SpaceReporter) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		store:     store,
		space:     space,
	}
}

// Check performs all health checks and returns the result
func (h *HealthChecker) Check(pending, inFlight int) *HealthCheck {
	checks := make(map[string]Check)
	overallStatus := HealthStatusHealthy

	degrade := func(c Check) {
		switch c.Status {
		case "unhealthy":
			overallStatus = HealthStatusUnhealthy
		case "degraded":
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	storeCheck := h.checkStore()
	checks["store"] = storeCheck
	degrade(storeCheck)

	diskCheck := h.checkDisk()
	checks["disk"] = diskCheck
	degrade(diskCheck)

	memCheck := h.checkMemory()
	checks["memory"] = memCheck
	degrade(memCheck)

	queueCheck := h.checkQueue(pending)
	checks["queue"] = queueCheck
	degrade(queueCheck)

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	storeStatus := "connected"
	if storeCheck.Status != "healthy" {
		storeStatus = "disconnected"
	}

	return &HealthCheck{
		Status:        overallStatus,
		Version:       h.version,
		Uptime:        int64(uptime.Seconds()),
		UptimeHuman:   formatDuration(uptime),
		PendingItems:  pending,
		InFlightItems: inFlight,
		MemoryUsageMB: m.Alloc / 1024 / 1024,
		StoreStatus:   storeStatus,
		Checks:        checks,
		Timestamp:     time.Now(),
	}
}

// checkStore checks key-value store connectivity
func (h *HealthChecker) checkStore() Check {
	if h.store == nil {
		return Check{
			Status:  "unhealthy",
			Message: "Offline store not initialized",
		}
	}

	if err := h.store.Ping(); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "Offline store ping failed: " + err.Error(),
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Offline store is reachable",
	}
}

// checkDisk checks free space on the document volume
func (h *HealthChecker) checkDisk() Check {
	if h.space == nil {
		return Check{Status: "degraded", Message: "Filesystem not initialized"}
	}

	space, err := h.space.FreeSpace()
	if err != nil {
		return Check{
			Status:  "degraded",
			Message: "Free space unavailable: " + err.Error(),
		}
	}

	free := humanize.IBytes(space.Free)
	switch {
	case space.Free < CriticalSpaceBytes:
		return Check{Status: "unhealthy", Message: "Free space is critically low: " + free}
	case space.Free < LowSpaceBytes:
		return Check{Status: "degraded", Message: "Free space is low: " + free}
	}

	return Check{
		Status:  "healthy",
		Message: free + " free of " + humanize.IBytes(space.Total),
	}
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() Check {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryMB := m.Alloc / 1024 / 1024

	const (
		warningThresholdMB  = 500
		criticalThresholdMB = 1000
	)

	if memoryMB > criticalThresholdMB {
		return Check{
			Status:  "unhealthy",
			Message: "Memory usage is critically high",
		}
	}

	if memoryMB > warningThresholdMB {
		return Check{
			Status:  "degraded",
			Message: "Memory usage is elevated",
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Memory usage is normal",
	}
}

// checkQueue checks the pending backlog
func (h *HealthChecker) checkQueue(pending int) Check {
	const warningThreshold = 1000

	if pending > warningThreshold {
		return Check{
			Status:  "degraded",
			Message: fmt.Sprintf("%d items waiting for admission", pending),
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Queue backlog is normal",
	}
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
