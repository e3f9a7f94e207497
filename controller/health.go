package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackmesh/dobs-luks-csi/cloud"
)

const (
	healthInterval = 1 * time.Minute
	healthTimeout  = 15 * time.Second
)

// HealthWatcher keeps an eye on the storage API from the controller side:
// token validity, reachability and how close the account is to its volume
// quota. Failures never block CSI traffic, they only surface in logs and
// metrics. The Probe RPC runs its own check through the shared client.
type HealthWatcher struct {
	cloud *cloud.Client
}

func NewHealthWatcher(c *cloud.Client) *HealthWatcher {
	return &HealthWatcher{cloud: c}
}

func (w *HealthWatcher) Run(ctx context.Context) {
	w.check(ctx)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *HealthWatcher) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	acct, err := w.cloud.Account(checkCtx)
	if err != nil {
		cloudHealthTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("storage API health check failed")
		return
	}
	cloudHealthTotal.WithLabelValues("ok").Inc()

	if acct.Status != "active" {
		log.Warn().Str("status", acct.Status).Msg("account is not active, storage operations may be rejected")
	}
	accountVolumeLimit.Set(float64(acct.VolumeLimit))

	vols, err := w.cloud.ListVolumes(checkCtx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to refresh volume count")
		return
	}
	volumesProvisioned.Set(float64(len(vols)))

	if acct.VolumeLimit > 0 && len(vols) >= acct.VolumeLimit {
		log.Warn().
			Int("volumes", len(vols)).
			Int("limit", acct.VolumeLimit).
			Msg("account volume quota reached, CreateVolume will fail until volumes are deleted")
		return
	}

	log.Debug().
		Int("volumes", len(vols)).
		Int("limit", acct.VolumeLimit).
		Msg("storage API healthy")
}
