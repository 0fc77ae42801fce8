package telemetry

import (
	"runtime"
	"time"

	"aegis/logger"
	"aegis/version"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot describes the device environment sent along with registration.
// Every gather step is tolerant: a probe that fails is logged and its fields
// stay empty, the snapshot is still usable.
type Snapshot struct {
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`
	AgentVersion    string `json:"agent_version"`
	CPUCount        int    `json:"cpu_count,omitempty"`
	CPUModel        string `json:"cpu_model,omitempty"`
	MemoryTotal     uint64 `json:"memory_total,omitempty"`
	MemoryAvailable uint64 `json:"memory_available,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_seconds,omitempty"`
}

func Collect() Snapshot {
	snap := Snapshot{
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: version.Version,
	}

	if info, err := host.Info(); err != nil {
		logger.Warnf("Failed to gather host info: %v", err)
	} else {
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
		snap.UptimeSeconds = info.Uptime
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		logger.Warnf("Failed to gather memory info: %v", err)
	} else {
		snap.MemoryTotal = vm.Total
		snap.MemoryAvailable = vm.Available
	}

	if infos, err := cpu.Info(); err != nil {
		logger.Warnf("Failed to gather CPU info: %v", err)
	} else if len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	}
	if count, err := cpu.Counts(true); err == nil {
		snap.CPUCount = count
	}

	return snap
}

// AsMap flattens the snapshot into the registration payload shape.
func (s Snapshot) AsMap() map[string]interface{} {
	out := map[string]interface{}{
		"platform":      s.Platform,
		"arch":          s.Arch,
		"agent_version": s.AgentVersion,
		"collected_at":  time.Now().UTC().Format(time.RFC3339),
	}
	if s.PlatformVersion != "" {
		out["platform_version"] = s.PlatformVersion
	}
	if s.KernelVersion != "" {
		out["kernel_version"] = s.KernelVersion
	}
	if s.CPUCount > 0 {
		out["cpu_count"] = s.CPUCount
	}
	if s.CPUModel != "" {
		out["cpu_model"] = s.CPUModel
	}
	if s.MemoryTotal > 0 {
		out["memory_total"] = s.MemoryTotal
		out["memory_available"] = s.MemoryAvailable
	}
	if s.UptimeSeconds > 0 {
		out["uptime_seconds"] = s.UptimeSeconds
	}
	return out
}
