package cleanup

import (
	"context"
	"log/slog"
	"syscall"
)

// Disk usage thresholds for the workspace filesystem.
const (
	// DiskWarningPercent is the usage level at which a warning is logged.
	DiskWarningPercent = 80.0
	// DiskCriticalPercent is the usage level at which retention is
	// ignored and all terminal case workspaces are swept immediately.
	DiskCriticalPercent = 90.0
)

// DiskUsage describes the filesystem holding the workspace root.
type DiskUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
	Percent    float64
}

// statfs is replaceable in tests.
var statfs = func(path string) (*DiskUsage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil, err
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	used := total - free
	usage := &DiskUsage{TotalBytes: total, UsedBytes: used}
	if total > 0 {
		usage.Percent = float64(used) / float64(total) * 100
	}
	return usage, nil
}

// CheckDisk inspects workspace filesystem usage and reacts to the
// thresholds: above warning it logs, above critical it sweeps with zero
// retention. Returns true if a critical sweep ran.
func (j *Janitor) CheckDisk(ctx context.Context) (bool, error) {
	usage, err := statfs(j.cfg.WorkDir)
	if err != nil {
		return false, err
	}

	switch {
	case usage.Percent >= DiskCriticalPercent:
		j.logger.Error("workspace disk usage critical, forcing sweep",
			"percent", usage.Percent,
			"used_bytes", usage.UsedBytes,
			"total_bytes", usage.TotalBytes,
		)
		result, err := j.Sweep(ctx, 0)
		if err != nil {
			return false, err
		}
		j.logger.Info("critical sweep completed",
			"scanned", result.Scanned,
			"removed", result.Removed,
		)
		return true, nil
	case usage.Percent >= DiskWarningPercent:
		j.logger.Warn("workspace disk usage high",
			"percent", usage.Percent,
			"used_bytes", usage.UsedBytes,
			"total_bytes", usage.TotalBytes,
		)
	default:
		j.logger.Log(ctx, slog.LevelDebug, "workspace disk usage ok",
			"percent", usage.Percent,
		)
	}
	return false, nil
}
