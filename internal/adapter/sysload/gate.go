// Package sysload admits stage work only while the host has headroom.
package sysload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/QuinnGao/AI-Subtitle-Learner/internal/config"
)

// Probe reads current host usage.
type Probe interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemPercent(ctx context.Context) (float64, error)
	FreeDisk(ctx context.Context, path string) (uint64, error)
}

// Gate refuses new stage executions while CPU or memory usage is above
// the configured ceiling, or free disk in the work dir is below the floor.
// A zero limit disables that check. Probe failures admit the work.
type Gate struct {
	probe   Probe
	maxCPU  float64
	maxMem  float64
	minDisk datasize.ByteSize
	workDir string
}

// New creates a Gate reading the real host through gopsutil.
func New(cfg config.Worker, workDir string) *Gate {
	return NewWithProbe(cfg, workDir, hostProbe{})
}

// NewWithProbe creates a Gate with a custom probe.
func NewWithProbe(cfg config.Worker, workDir string, p Probe) *Gate {
	return &Gate{
		probe:   p,
		maxCPU:  cfg.MaxCPUPercent,
		maxMem:  cfg.MaxMemPercent,
		minDisk: cfg.MinFreeDisk,
		workDir: workDir,
	}
}

// Admit reports whether another stage may start, and why not if it may not.
func (g *Gate) Admit(ctx context.Context) (bool, string) {
	if g.maxCPU > 0 {
		p, err := g.probe.CPUPercent(ctx)
		if err != nil {
			slog.Warn("could not read cpu usage", "error", err)
		} else if p > g.maxCPU {
			return false, fmt.Sprintf("cpu %.1f%% above %.1f%%", p, g.maxCPU)
		}
	}
	if g.maxMem > 0 {
		p, err := g.probe.MemPercent(ctx)
		if err != nil {
			slog.Warn("could not read memory usage", "error", err)
		} else if p > g.maxMem {
			return false, fmt.Sprintf("memory %.1f%% above %.1f%%", p, g.maxMem)
		}
	}
	if g.minDisk > 0 && g.workDir != "" {
		free, err := g.probe.FreeDisk(ctx, g.workDir)
		if err != nil {
			slog.Warn("could not read free disk", "path", g.workDir, "error", err)
		} else if free < g.minDisk.Bytes() {
			return false, fmt.Sprintf("free disk %s below %s", datasize.ByteSize(free).HR(), g.minDisk.HR())
		}
	}
	return true, ""
}

type hostProbe struct{}

// CPUPercent returns usage since the previous call, so it never blocks.
func (hostProbe) CPUPercent(ctx context.Context) (float64, error) {
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return p[0], nil
}

func (hostProbe) MemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (hostProbe) FreeDisk(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}
