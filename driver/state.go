package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// stagingState is persisted under DRIVER_STATE_PATH, one file per staged
// volume. Unstage, expand and the janitor read it back to find the device
// and mapper without a cloud API round trip. It carries the secret
// reference, never the key itself.
type stagingState struct {
	VolumeID        string    `json:"volume_id"`
	VolumeName      string    `json:"volume_name"`
	StagingPath     string    `json:"staging_path"`
	Device          string    `json:"device"`
	FSType          string    `json:"fs_type"`
	Mapper          string    `json:"mapper,omitempty"`
	Cipher          string    `json:"cipher,omitempty"`
	KeySizeBits     int       `json:"key_size_bits,omitempty"`
	SecretNamespace string    `json:"secret_namespace,omitempty"`
	SecretName      string    `json:"secret_name,omitempty"`
	StagedAt        time.Time `json:"staged_at"`
}

func (s *NodeServer) stateFile(volumeID string) string {
	return filepath.Join(s.statePath, volumeID+".json")
}

// writeState persists atomically via tmp+rename so a crash never leaves a
// half-written file for the janitor to trip over.
func (s *NodeServer) writeState(st *stagingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := s.stateFile(st.VolumeID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readState returns nil without error when the volume has no state file.
func (s *NodeServer) readState(volumeID string) (*stagingState, error) {
	data, err := os.ReadFile(s.stateFile(volumeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st stagingState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state file for volume %s: %w", volumeID, err)
	}
	return &st, nil
}

func (s *NodeServer) removeState(volumeID string) error {
	if err := os.Remove(s.stateFile(volumeID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *NodeServer) listStates() ([]*stagingState, error) {
	entries, err := os.ReadDir(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var states []*stagingState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		st, err := s.readState(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || st == nil {
			continue
		}
		states = append(states, st)
	}
	return states, nil
}
