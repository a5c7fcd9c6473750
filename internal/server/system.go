package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var startedAt = time.Now()

// handleSystemStatus reports host and process health: CPU, memory, disk,
// goroutines and the queue's live counts.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"queue": map[string]int{
			"pending": len(s.deps.Queue.GetPending()),
			"running": len(s.deps.Queue.GetRunning()),
		},
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		response["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		response["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}
	if usage, err := disk.Usage("/"); err == nil {
		response["disk"] = map[string]interface{}{
			"total_mb":     usage.Total / 1024 / 1024,
			"free_mb":      usage.Free / 1024 / 1024,
			"used_percent": usage.UsedPercent,
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	response["heap_alloc_mb"] = m.Alloc / 1024 / 1024

	s.writeJSON(w, http.StatusOK, response)
}
