package controller

import (
	"context"
	"slices"
	"time"

	"github.com/stackmesh/dobs-luks-csi/cloud"
	"github.com/stackmesh/dobs-luks-csi/config"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// attachTimeout bounds one attach or detach attempt including the wait
// for the storage action to complete.
const attachTimeout = 60 * time.Second

func (s *Server) ControllerPublishVolume(ctx context.Context, req *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	if req.VolumeId == "" || req.NodeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID and node ID required")
	}

	dropletID, err := parseDropletID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	vol, err := s.cloud.GetVolume(ctx, req.VolumeId)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "volume %s not found", req.VolumeId)
		}
		return nil, status.Errorf(codes.Internal, "get volume: %v", err)
	}

	// The publish context carries the volume name so the node plugin can
	// derive the /dev/disk/by-id path without a cloud API client.
	publishCtx := map[string]string{config.CtxVolumeName: vol.Name}

	if len(vol.DropletIDs) > 0 {
		if slices.Contains(vol.DropletIDs, dropletID) {
			return &csi.ControllerPublishVolumeResponse{PublishContext: publishCtx}, nil
		}
		return nil, status.Errorf(codes.FailedPrecondition,
			"volume %s is attached to droplet %d, cannot attach to droplet %d",
			req.VolumeId, vol.DropletIDs[0], dropletID)
	}

	// retry attach - transient API failures are common enough that giving
	// up on the first one just moves the retry burden to the CO
	var attachErr error
	for attempt := 0; attempt < 3; attempt++ {
		retryCtx, cancel := context.WithTimeout(ctx, attachTimeout)
		start := time.Now()
		attachErr = s.cloud.Attach(retryCtx, req.VolumeId, dropletID)
		cloudDuration.WithLabelValues("attach").Observe(time.Since(start).Seconds())
		cancel()
		if attachErr == nil {
			cloudOpsTotal.WithLabelValues("attach", "success").Inc()
			break
		}
		if cloud.IsExhausted(attachErr) {
			cloudOpsTotal.WithLabelValues("attach", "exhausted").Inc()
			return nil, status.Errorf(codes.ResourceExhausted, "attach volume: %v", attachErr)
		}
		if cloud.IsNotFound(attachErr) {
			cloudOpsTotal.WithLabelValues("attach", "not_found").Inc()
			return nil, status.Errorf(codes.NotFound, "attach volume: %v", attachErr)
		}
		cloudOpsTotal.WithLabelValues("attach", "error").Inc()
		log.Warn().Err(attachErr).Int("attempt", attempt+1).Str("volumeID", req.VolumeId).Int("droplet", dropletID).Msg("attach failed, retrying")
	}
	if attachErr != nil {
		return nil, status.Errorf(codes.Internal, "attach volume to droplet %d after 3 attempts: %v", dropletID, attachErr)
	}

	log.Info().Str("volumeID", req.VolumeId).Str("volume", vol.Name).Int("droplet", dropletID).Msg("volume attached")

	return &csi.ControllerPublishVolumeResponse{PublishContext: publishCtx}, nil
}

func (s *Server) ControllerUnpublishVolume(ctx context.Context, req *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	if req.VolumeId == "" || req.NodeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID and node ID required")
	}

	dropletID, err := parseDropletID(req.NodeId)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	vol, err := s.cloud.GetVolume(ctx, req.VolumeId)
	if err != nil {
		if cloud.IsNotFound(err) {
			// nothing left to detach from
			return &csi.ControllerUnpublishVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.Internal, "get volume: %v", err)
	}
	if !slices.Contains(vol.DropletIDs, dropletID) {
		return &csi.ControllerUnpublishVolumeResponse{}, nil
	}

	// retry detach - block on failure to preserve the VolumeAttachment so
	// the CO knows the node still holds the volume
	var detachErr error
	for attempt := 0; attempt < 3; attempt++ {
		retryCtx, cancel := context.WithTimeout(ctx, attachTimeout)
		start := time.Now()
		detachErr = s.cloud.Detach(retryCtx, req.VolumeId, dropletID)
		cloudDuration.WithLabelValues("detach").Observe(time.Since(start).Seconds())
		cancel()
		if detachErr == nil {
			cloudOpsTotal.WithLabelValues("detach", "success").Inc()
			break
		}
		if cloud.IsNotFound(detachErr) {
			cloudOpsTotal.WithLabelValues("detach", "not_found").Inc()
			detachErr = nil
			break
		}
		cloudOpsTotal.WithLabelValues("detach", "error").Inc()
		log.Warn().Err(detachErr).Int("attempt", attempt+1).Str("volumeID", req.VolumeId).Int("droplet", dropletID).Msg("detach failed, retrying")
	}
	if detachErr != nil {
		return nil, status.Errorf(codes.Internal, "detach volume from droplet %d after 3 attempts: %v", dropletID, detachErr)
	}

	log.Info().Str("volumeID", req.VolumeId).Str("volume", vol.Name).Int("droplet", dropletID).Msg("volume detached")

	return &csi.ControllerUnpublishVolumeResponse{}, nil
}
