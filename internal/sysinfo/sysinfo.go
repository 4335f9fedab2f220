// Package sysinfo reports process resource usage for the stats command.
package sysinfo

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is a point-in-time view of this process.
type Snapshot struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	At         int64   `json:"at"`
}

// Collect gathers a snapshot of the current process.
func Collect() (Snapshot, error) {
	snap := Snapshot{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		At:         time.Now().UnixMilli(),
	}
	proc, err := process.NewProcess(snap.PID)
	if err != nil {
		return snap, fmt.Errorf("open process: %w", err)
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	return snap, nil
}

// String renders the snapshot for the conversation loop.
func (s Snapshot) String() string {
	return fmt.Sprintf("pid=%d rss=%.1fMB cpu=%.1f%% goroutines=%d",
		s.PID, float64(s.RSSBytes)/(1024*1024), s.CPUPercent, s.Goroutines)
}
