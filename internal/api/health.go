// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"
)

// Health thresholds.
const (
	healthHeartbeatMax = 120 * time.Second
	healthQueueMax     = 100
	healthFailuresMax  = 50
)

// handleHealth reports gateway health derived from device presence, worker
// heartbeat and queue pressure. Unauthenticated; suitable as a probe target.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetQueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "offline",
			"error":  "store unavailable",
		})
		return
	}

	workerHealthy := false
	var lastHeartbeat *time.Time
	if worker, err := s.store.GetWorkerHealth(r.Context()); err == nil {
		workerHealthy = time.Since(worker.LastHeartbeat) <= healthHeartbeatMax
		lastHeartbeat = &worker.LastHeartbeat
	}

	devicesOnline := stats.OnlineDevices > 0
	queueOK := stats.QueueDepth <= healthQueueMax
	failuresOK := stats.Failures24h <= healthFailuresMax

	status := "offline"
	switch {
	case devicesOnline && workerHealthy && queueOK && failuresOK:
		status = "online"
	case devicesOnline || workerHealthy:
		status = "degraded"
	}

	code := http.StatusOK
	if status == "offline" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":           status,
		"devices_online":   stats.OnlineDevices,
		"queue_depth":      stats.QueueDepth,
		"failures_24h":     stats.Failures24h,
		"worker_heartbeat": lastHeartbeat,
	})
}
