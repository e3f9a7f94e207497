package controller

import (
	"fmt"
	"strconv"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	giB = int64(1 << 30)

	// Block storage volumes default to 16 GiB and top out at 16 TiB.
	defaultSizeGiB = int64(16)
	maxSizeGiB     = int64(16384)
)

// paginate applies index-based pagination to a slice. The cloud API returns
// volumes in a stable order, so index tokens stay valid as long as nothing
// is created or deleted between pages. Good enough for the CO-side listers,
// which tolerate duplicates and skips.
func paginate[T any](entries []T, startingToken string, maxEntries int32) ([]T, string, error) {
	startIndex := 0
	if startingToken != "" {
		idx, err := strconv.Atoi(startingToken)
		if err != nil {
			return nil, "", status.Errorf(codes.Aborted, "invalid starting_token: %v", err)
		}
		startIndex = idx
	}
	if startIndex > len(entries) {
		startIndex = len(entries)
	}
	entries = entries[startIndex:]
	var nextToken string
	if maxEntries > 0 && int(maxEntries) < len(entries) {
		nextToken = strconv.Itoa(startIndex + int(maxEntries))
		entries = entries[:maxEntries]
	}
	return entries, nextToken, nil
}

// parseDropletID turns a CSI node ID back into a droplet ID. Node IDs are
// the decimal droplet ID, reported by NodeGetInfo.
func parseDropletID(nodeID string) (int, error) {
	id, err := strconv.Atoi(nodeID)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("node ID %q is not a droplet ID", nodeID)
	}
	return id, nil
}

func bytesToGiBCeil(n int64) int64 {
	return (n + giB - 1) / giB
}

// sizeFromCapacityRange resolves a CSI capacity range into whole GiB.
// Volumes are allocated in GiB, so required bytes round up.
func sizeFromCapacityRange(cr *csi.CapacityRange) (int64, error) {
	if cr == nil {
		return defaultSizeGiB, nil
	}

	required := cr.RequiredBytes
	limit := cr.LimitBytes
	if required < 0 || limit < 0 {
		return 0, fmt.Errorf("capacity range must not be negative")
	}

	sizeGiB := bytesToGiBCeil(required)
	if sizeGiB == 0 {
		if limit > 0 {
			sizeGiB = limit / giB
		} else {
			sizeGiB = defaultSizeGiB
		}
	}
	if sizeGiB < 1 {
		sizeGiB = 1
	}

	if limit > 0 && sizeGiB*giB > limit {
		return 0, fmt.Errorf("required %d bytes rounds up to %d GiB, above the %d byte limit", required, sizeGiB, limit)
	}
	if sizeGiB > maxSizeGiB {
		return 0, fmt.Errorf("requested %d GiB exceeds the %d GiB maximum volume size", sizeGiB, maxSizeGiB)
	}

	return sizeGiB, nil
}
