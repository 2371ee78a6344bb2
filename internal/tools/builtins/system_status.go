// Package builtins implements the contract-level built-in tools named in
// the component design: SystemStatus, PackageManager, and Docker/VM.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jarvis-ops/jarvis/internal/tools"
)

// SystemStatus reports host CPU/memory (and, if verbose, process/swap)
// statistics. Non-destructive; reports is_error=true with a textual
// reason rather than failing the call when stats are unreadable.
type SystemStatus struct{}

func (SystemStatus) Name() string        { return "SystemStatus" }
func (SystemStatus) Description() string { return "Reports current CPU and memory usage for the host." }

func (SystemStatus) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"verbose": {"type": "boolean", "description": "include process count and swap usage"}
		},
		"additionalProperties": false
	}`)
}

type systemStatusArgs struct {
	Verbose bool `json:"verbose"`
}

func (SystemStatus) Execute(ctx context.Context, args json.RawMessage) (*tools.ToolResult, error) {
	var a systemStatusArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return tools.ErrorResult(fmt.Sprintf("unable to read CPU stats: %v", err)), nil
	}
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("unable to read memory stats: %v", err)), nil
	}

	cores := runtime.NumCPU()
	usedGB := float64(vmem.Used) / (1 << 30)
	totalGB := float64(vmem.Total) / (1 << 30)

	msg := fmt.Sprintf("CPU Usage: %.1f%%\nCPU Cores: %d\nMemory: %.2f GB / %.2f GB (%.1f%%)",
		percents[0], cores, usedGB, totalGB, vmem.UsedPercent)

	if a.Verbose {
		procs, perr := process.ProcessesWithContext(ctx)
		procCount := -1
		if perr == nil {
			procCount = len(procs)
		}
		swap, serr := mem.SwapMemoryWithContext(ctx)
		swapLine := "Swap: unavailable"
		if serr == nil {
			swapLine = fmt.Sprintf("Swap: %.2f GB / %.2f GB", float64(swap.Used)/(1<<30), float64(swap.Total)/(1<<30))
		}
		msg += fmt.Sprintf("\nProcess Count: %d\n%s", procCount, swapLine)
	}

	return tools.OkResult(msg), nil
}
