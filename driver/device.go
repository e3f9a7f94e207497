package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Attached volumes surface as /dev/disk/by-id/scsi-0DO_Volume_<name>.
// The symlink is stable across reboots, so it is what gets mounted and
// recorded in the staging state.
const (
	defaultByIDDir    = "/dev/disk/by-id"
	diskPrefix        = "scsi-0DO_Volume_"
	defaultDeviceWait = 2 * time.Minute
	devicePoll        = 2 * time.Second
)

func (s *NodeServer) devicePath(volumeName string) string {
	return filepath.Join(s.byIDDir, diskPrefix+volumeName)
}

// waitForDevice blocks until udev has created the by-id symlink for a
// freshly attached volume, or the wait budget runs out.
func (s *NodeServer) waitForDevice(ctx context.Context, volumeName string) (string, error) {
	path := s.devicePath(volumeName)

	waitCtx, cancel := context.WithTimeout(ctx, s.deviceWait)
	defer cancel()

	ticker := time.NewTicker(devicePoll)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}

		log.Debug().Str("device", path).Msg("waiting for device")

		select {
		case <-waitCtx.Done():
			return "", fmt.Errorf("device %s did not appear within %s, volume may not be attached", path, s.deviceWait)
		case <-ticker.C:
		}
	}
}
