package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/manujajay/portfolio-optimize/internal/database"
	"github.com/manujajay/portfolio-optimize/internal/di"
	"github.com/manujajay/portfolio-optimize/internal/scheduler"
)

// SystemStatusResponse represents the system status
type SystemStatusResponse struct {
	Status         string  `json:"status"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	JobsRegistered int     `json:"jobs_registered"`
	BackupsEnabled bool    `json:"backups_enabled"`
	LastUpdated    string  `json:"last_updated"`
}

// DBInfo represents database statistics for one database
type DBInfo struct {
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	Profile string          `json:"profile"`
	Stats   *database.Stats `json:"stats,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DatabaseStatsResponse represents database statistics
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
	LastChecked string   `json:"last_checked"`
}

// JobsStatusResponse represents scheduler job status
type JobsStatusResponse struct {
	TotalJobs int                   `json:"total_jobs"`
	Jobs      []scheduler.JobStatus `json:"jobs"`
}

// SystemHandlers handles system-wide monitoring and operations endpoints
type SystemHandlers struct {
	container *di.Container
	log       zerolog.Logger
	// replaceable in tests
	systemStats func() (float64, float64)
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(container *di.Container, log zerolog.Logger) *SystemHandlers {
	h := &SystemHandlers{
		container: container,
		log:       log.With().Str("service", "system").Logger(),
	}
	h.systemStats = h.getSystemStats
	return h
}

// HandleSystemStatus returns process host load and job counts
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.systemStats()

	jobs := 0
	if h.container.Scheduler != nil {
		jobs = len(h.container.Scheduler.Jobs())
	}

	writeJSON(w, http.StatusOK, SystemStatusResponse{
		Status:         "healthy",
		CPUPercent:     cpuPercent,
		MemoryPercent:  memPercent,
		JobsRegistered: jobs,
		BackupsEnabled: h.container.BackupService != nil,
		LastUpdated:    time.Now().Format(time.RFC3339),
	}, h.log)
}

// HandleDatabaseStats returns size and page statistics for every database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting database stats")

	response := DatabaseStatsResponse{
		Databases:   []DBInfo{},
		LastChecked: time.Now().Format(time.RFC3339),
	}

	for _, db := range h.container.Databases() {
		info := DBInfo{Name: db.Name(), Path: db.Path(), Profile: string(db.Profile())}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get database stats")
			info.Error = err.Error()
		} else {
			info.Stats = stats
			response.TotalSizeMB += float64(stats.SizeBytes+stats.WALSizeBytes) / 1024 / 1024
		}
		response.Databases = append(response.Databases, info)
	}

	writeJSON(w, http.StatusOK, response, h.log)
}

// HandleJobsStatus returns scheduler job status
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobStatus{}
	if h.container.Scheduler != nil {
		jobs = h.container.Scheduler.Jobs()
	}

	writeJSON(w, http.StatusOK, JobsStatusResponse{
		TotalJobs: len(jobs),
		Jobs:      jobs,
	}, h.log)
}

// HandleTriggerJob runs a registered job in the background
// POST /api/system/jobs/{name}/run
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.container.Scheduler == nil || !h.hasJob(name) {
		writeError(w, http.StatusNotFound, "unknown job: "+name, h.log)
		return
	}

	go func() {
		if err := h.container.Scheduler.Trigger(name); err != nil && !errors.Is(err, scheduler.ErrUnknownJob) {
			h.log.Error().Err(err).Str("job", name).Msg("Manually triggered job failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "triggered",
		"message": name + " job triggered successfully",
	}, h.log)
}

// HandleListBackups lists uploaded backups, newest first
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.container.BackupService == nil {
		writeError(w, http.StatusServiceUnavailable, "backups are not configured", h.log)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	backups, err := h.container.BackupService.ListBackups(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		writeError(w, http.StatusBadGateway, "failed to list backups", h.log)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups}, h.log)
}

func (h *SystemHandlers) hasJob(name string) bool {
	for _, j := range h.container.Scheduler.Jobs() {
		if j.Name == name {
			return true
		}
	}
	return false
}

// getSystemStats calculates CPU and RAM usage percentages over a short interval
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
