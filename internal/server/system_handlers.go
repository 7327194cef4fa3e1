package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/riskbatch/internal/database"
)

// healthResponse is the GET /api/health payload.
type healthResponse struct {
	Status        string            `json:"status"` // "healthy" or "degraded"
	UptimeSeconds int64             `json:"uptime_seconds"`
	BatchActive   bool              `json:"batch_active"`
	Databases     map[string]string `json:"databases"`
	System        systemStats       `json:"system"`
}

type systemStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// handleLiveness answers without touching any database.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "riskbatch",
	})
}

// handleHealth reports database health and host resource usage.
// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		BatchActive:   s.tracker.Active(),
		Databases:     make(map[string]string, 3),
		System:        s.getSystemStats(),
	}

	for _, db := range []*database.DB{s.portfolioDB, s.cacheDB, s.runsDB} {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			resp.Databases[db.Name()] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Databases[db.Name()] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// getSystemStats samples CPU over a short window to keep the endpoint fast.
func (s *Server) getSystemStats() systemStats {
	var stats systemStats

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		stats.MemUsedPercent = memStat.UsedPercent
	}

	return stats
}
