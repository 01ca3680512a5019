package model

import "time"

// HostStats is a point-in-time snapshot of the machine running the scheduler
type HostStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	MemoryTotal uint64    `json:"memory_total"`
	Load1       float64   `json:"load1"`
	Load5       float64   `json:"load5"`
	Load15      float64   `json:"load15"`
	CollectedAt time.Time `json:"collected_at"`
}
