package driver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stackmesh/dobs-luks-csi/config"
)

// resolveNodeIdentity determines the droplet ID and region using the
// following priority:
//
//  1. DRIVER_DROPLET_ID / DRIVER_REGION - explicit configuration, mainly
//     for tests and unusual deployments.
//
//  2. The droplet metadata service at DRIVER_METADATA_URL (default
//     http://169.254.169.254), which every droplet can reach without
//     credentials.
//
// The droplet ID doubles as the CSI node ID, so it must be the decimal
// number the cloud API knows the droplet by.
func resolveNodeIdentity(cfg *config.NodeConfig) (string, string, error) {
	dropletID := cfg.DropletID
	region := cfg.Region

	if dropletID == "" || region == "" {
		client := &http.Client{Timeout: 5 * time.Second}

		if dropletID == "" {
			id, err := fetchMetadata(client, cfg.MetadataURL+"/metadata/v1/id")
			if err != nil {
				return "", "", fmt.Errorf("droplet ID: set DRIVER_DROPLET_ID or expose the metadata service: %w", err)
			}
			dropletID = id
		}
		if region == "" {
			r, err := fetchMetadata(client, cfg.MetadataURL+"/metadata/v1/region")
			if err != nil {
				return "", "", fmt.Errorf("region: set DRIVER_REGION or expose the metadata service: %w", err)
			}
			region = r
		}
	}

	if _, err := strconv.Atoi(dropletID); err != nil {
		return "", "", fmt.Errorf("droplet ID %q is not numeric", dropletID)
	}

	return dropletID, region, nil
}

func fetchMetadata(client *http.Client, url string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata service returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}

	v := strings.TrimSpace(string(body))
	if v == "" {
		return "", fmt.Errorf("metadata service returned an empty value")
	}
	return v, nil
}
