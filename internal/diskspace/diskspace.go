// Package diskspace guards persistent feeds against opening on a nearly full
// disk.
package diskspace

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var ErrNotEnoughSpace = errors.New("not enough space available on disk")

// Check fails when the filesystem holding dir has less than minimumFreeGB
// gigabytes available.
func Check(dir string, minimumFreeGB int, log *logrus.Logger) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("error retrieving disk usage for %s: %w", dir, err)
	}

	if log != nil {
		log.WithFields(logrus.Fields{
			"path":      dir,
			"Total(GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"Free(GB)":  fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			"Used(%)":   fmt.Sprintf("%.1f", usage.UsedPercent),
		}).Debug("disk usage")
	}

	freeGB := usage.Free / (1024 * 1024 * 1024)
	if minimumFreeGB > 0 && freeGB < uint64(minimumFreeGB) {
		return fmt.Errorf("%s has %d GB free, need %d: %w", dir, freeGB, minimumFreeGB, ErrNotEnoughSpace)
	}
	return nil
}
