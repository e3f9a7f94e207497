package driver

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor sweeps the staging state directory, closing LUKS mappings whose
// staging mount is gone. Kubelets normally unstage cleanly; the sweep
// covers drivers killed mid-teardown and mappers left from before a crash.
type Janitor struct {
	node     *NodeServer
	interval time.Duration
}

func NewJanitor(node *NodeServer, interval time.Duration) *Janitor {
	return &Janitor{node: node, interval: interval}
}

func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}

	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	states, err := j.node.listStates()
	if err != nil {
		log.Error().Err(err).Msg("janitor: reading state dir")
		return
	}

	staged := 0
	for _, st := range states {
		if j.sweepOne(ctx, st) {
			staged++
		}
	}
	stagedVolumes.Set(float64(staged))
}

// sweepOne reports whether the volume is still staged. Orphaned state is
// torn down as a side effect.
func (j *Janitor) sweepOne(ctx context.Context, st *stagingState) bool {
	unlock := j.node.volumeLock(st.VolumeID)
	defer unlock()

	mounted, err := j.node.mounter.IsMountPoint(st.StagingPath)
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", st.StagingPath).Msg("janitor: mount check failed")
		return true
	}
	if mounted {
		return true
	}

	if st.Mapper != "" {
		if err := j.node.luks.Close(ctx, st.Mapper); err != nil {
			log.Error().Err(err).Str("mapper", st.Mapper).Msg("janitor: closing orphaned mapping")
			return false
		}
		log.Info().Str("mapper", st.Mapper).Str("volumeID", st.VolumeID).Msg("janitor: closed orphaned LUKS mapping")
		janitorReapedTotal.Inc()
	}

	if err := j.node.removeState(st.VolumeID); err != nil {
		log.Error().Err(err).Str("volumeID", st.VolumeID).Msg("janitor: removing stale state file")
	}
	return false
}
