package spaceInformations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// CalculateDirectorySize calculates the total size of files within a directory
func CalculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// existingAncestor returns the closest existing directory for path, resolving symlinks.
func existingAncestor(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	current := absPath
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			current = resolved
		}

		_, infoErr := os.Stat(current)
		if infoErr == nil {
			return current, nil
		}
		if !os.IsNotExist(infoErr) {
			return "", infoErr
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("path does not exist: %s", path)
		}
		current = parent
	}
}

// GetDeviceAndMountPoint finds the partition that holds path. Missing trailing directories are
// resolved against their closest existing parent, so a vault directory can be checked before
// it is created.
func GetDeviceAndMountPoint(path string) (string, string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return "", "", err
	}

	matchPath, err := existingAncestor(path)
	if err != nil {
		return "", "", err
	}

	var best disk.PartitionStat
	for _, partition := range partitions {
		if contains(matchPath, partition.Mountpoint) && len(partition.Mountpoint) > len(best.Mountpoint) {
			best = partition
		}
	}
	if best.Mountpoint == "" {
		return "", "", fmt.Errorf("mount point not found for path: %s", path)
	}
	return best.Mountpoint, best.Device, nil
}

// contains checks if a path is within the mount point.
func contains(path, mountpoint string) bool {
	if mountpoint == "" {
		return false
	}

	p := filepath.Clean(path)
	m := filepath.Clean(mountpoint)

	if m == string(os.PathSeparator) {
		return true
	}

	if p == m {
		return true
	}

	m = strings.TrimSuffix(m, string(os.PathSeparator))

	return strings.HasPrefix(p, m+string(os.PathSeparator))
}

// FreeSpace returns the free space in GB on the filesystem holding path.
func FreeSpace(path string) (float64, error) {
	existing, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	usage, err := disk.Usage(existing)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage of %s: %w", existing, err)
	}
	return float64(usage.Free) / 1e9, nil
}

// DisplayDiskUsage logs the disk usage of the filesystem holding path and of the vault
// directory itself.
func DisplayDiskUsage(log *logrus.Logger, path string) error {
	if path == "" {
		log.Error("No path provided in configuration")
		return fmt.Errorf("no path provided in configuration")
	}

	usage, err := disk.Usage(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Error retrieving disk usage stats")
		return err
	}

	mountPoint, device, err := GetDeviceAndMountPoint(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Error finding device and mount point")
		return err
	}

	pathSize, err := CalculateDirectorySize(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Error calculating directory size")
		return err
	}

	log.WithFields(logrus.Fields{
		"path":        path,
		"device":      device,
		"mount_point": mountPoint,
		"total_gb":    fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"used_gb":     fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
		"free_gb":     fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"vault_gb":    fmt.Sprintf("%.2f", float64(pathSize)/1e9),
	}).Info("Disk usage information for path")

	return nil
}
