package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HeadroomConfig configures the pre-generation resource guard. The guard is
// advisory: it only pauses synthetic job generation, never in-flight work.
type HeadroomConfig struct {
	// Enabled turns the guard on. Off by default; a load harness usually
	// wants to push the machine.
	Enabled bool `toml:"enabled"`

	// MemoryThreshold is the used-memory fraction above which generation
	// pauses, e.g. 0.90.
	MemoryThreshold float64 `toml:"memory_threshold"`

	// CPUThreshold is the CPU utilization fraction above which generation
	// pauses, e.g. 0.95.
	CPUThreshold float64 `toml:"cpu_threshold"`

	// CacheTimeout bounds how often the guard samples the system.
	CacheTimeout time.Duration `toml:"cache_timeout"`
}

// DefaultHeadroomConfig returns the guard's defaults (disabled).
func DefaultHeadroomConfig() HeadroomConfig {
	return HeadroomConfig{
		Enabled:         false,
		MemoryThreshold: 0.90,
		CPUThreshold:    0.95,
		CacheTimeout:    2 * time.Second,
	}
}

// HeadroomGuard samples system memory and CPU usage and reports whether there
// is enough headroom to keep generating load.
type HeadroomGuard struct {
	cfg HeadroomConfig

	mu          sync.Mutex
	lastCheck   time.Time
	lastAllowed bool
	lastReason  string
}

// NewHeadroomGuard creates a guard.
func NewHeadroomGuard(cfg HeadroomConfig) *HeadroomGuard {
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 2 * time.Second
	}
	return &HeadroomGuard{cfg: cfg, lastAllowed: true}
}

// Check returns whether generation may proceed and, if not, why. Results are
// cached for CacheTimeout to keep sampling off the hot path.
func (g *HeadroomGuard) Check() (bool, string) {
	if !g.cfg.Enabled {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.lastCheck) < g.cfg.CacheTimeout {
		return g.lastAllowed, g.lastReason
	}
	g.lastCheck = time.Now()
	g.lastAllowed, g.lastReason = g.sample()
	return g.lastAllowed, g.lastReason
}

func (g *HeadroomGuard) sample() (bool, string) {
	if vm, err := mem.VirtualMemory(); err == nil {
		if used := vm.UsedPercent / 100.0; used > g.cfg.MemoryThreshold {
			return false, fmt.Sprintf("memory used %.0f%% exceeds %.0f%%", used*100, g.cfg.MemoryThreshold*100)
		}
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		if used := pct[0] / 100.0; used > g.cfg.CPUThreshold {
			return false, fmt.Sprintf("cpu %.0f%% exceeds %.0f%%", used*100, g.cfg.CPUThreshold*100)
		}
	}
	return true, ""
}
