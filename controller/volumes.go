package controller

import (
	"context"
	"strconv"
	"time"

	"github.com/stackmesh/dobs-luks-csi/cloud"
	"github.com/stackmesh/dobs-luks-csi/config"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *Server) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "volume name required")
	}
	if len(req.VolumeCapabilities) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities required")
	}
	if reason := unsupportedCapability(req.VolumeCapabilities); reason != "" {
		return nil, status.Error(codes.InvalidArgument, reason)
	}

	vp, err := resolveVolumeParams(req.Parameters, s.defaultFS)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	sizeGiB, err := sizeFromCapacityRange(req.CapacityRange)
	if err != nil {
		return nil, status.Errorf(codes.OutOfRange, "%v", err)
	}

	// Restore from snapshot. The snapshot dictates the minimum size.
	var snapshotID string
	if req.VolumeContentSource != nil {
		snap := req.VolumeContentSource.GetSnapshot()
		if snap == nil {
			return nil, status.Error(codes.InvalidArgument, "only snapshot content sources are supported")
		}
		snapshotID = snap.SnapshotId

		source, err := s.cloud.GetSnapshot(ctx, snapshotID)
		if err != nil {
			if cloud.IsNotFound(err) {
				return nil, status.Errorf(codes.NotFound, "snapshot %s not found", snapshotID)
			}
			return nil, status.Errorf(codes.Internal, "get snapshot: %v", err)
		}

		minGiB := int64(source.MinDiskSize)
		if req.CapacityRange == nil {
			// No explicit size requested, restore at the snapshot's size.
			sizeGiB = minGiB
		} else if sizeGiB < minGiB {
			return nil, status.Errorf(codes.OutOfRange, "restored volume needs at least %d GiB, the size of snapshot %s", minGiB, snapshotID)
		}
	}

	start := time.Now()
	vol, createErr := s.cloud.CreateVolume(ctx, cloud.VolumeRequest{
		Name:        req.Name,
		SizeGiB:     sizeGiB,
		Description: "provisioned by " + config.DriverName,
		SnapshotID:  snapshotID,
	})
	cloudDuration.WithLabelValues("create_volume").Observe(time.Since(start).Seconds())
	if createErr != nil {
		switch {
		case cloud.IsConflict(createErr):
			cloudOpsTotal.WithLabelValues("create_volume", "conflict").Inc()
			vol, err = s.cloud.FindVolume(ctx, req.Name)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "volume conflict but failed to retrieve: %v", err)
			}
			if vol == nil {
				return nil, status.Errorf(codes.Internal, "volume conflict but no volume named %q exists", req.Name)
			}
			if vol.SizeGigaBytes != sizeGiB {
				return nil, status.Errorf(codes.AlreadyExists,
					"volume %q already exists with %d GiB, requested %d GiB", req.Name, vol.SizeGigaBytes, sizeGiB)
			}
		case cloud.IsExhausted(createErr):
			cloudOpsTotal.WithLabelValues("create_volume", "exhausted").Inc()
			return nil, status.Errorf(codes.ResourceExhausted, "create volume: %v", createErr)
		default:
			cloudOpsTotal.WithLabelValues("create_volume", "error").Inc()
			return nil, status.Errorf(codes.Internal, "create volume: %v", createErr)
		}
	} else {
		cloudOpsTotal.WithLabelValues("create_volume", "success").Inc()
	}

	volCtx := vp.volumeContext(vol.Name)
	if n := req.Parameters[config.PvcNameKey]; n != "" {
		volCtx[config.PvcNameKey] = n
	}
	if ns := req.Parameters[config.PvcNamespaceKey]; ns != "" {
		volCtx[config.PvcNamespaceKey] = ns
	}

	log.Info().
		Str("volume", vol.Name).
		Str("volumeID", vol.ID).
		Int64("sizeGiB", vol.SizeGigaBytes).
		Bool("encrypted", vp.Encrypted).
		Msg("volume created")

	resp := &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:           vol.ID,
			CapacityBytes:      vol.SizeGigaBytes * giB,
			VolumeContext:      volCtx,
			AccessibleTopology: s.topology(),
		},
	}
	if req.VolumeContentSource != nil {
		resp.Volume.ContentSource = req.VolumeContentSource
	}
	return resp, nil
}

func (s *Server) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID required")
	}

	vol, err := s.cloud.GetVolume(ctx, req.VolumeId)
	if err != nil {
		if cloud.IsNotFound(err) {
			return &csi.DeleteVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.Internal, "get volume: %v", err)
	}
	if len(vol.DropletIDs) > 0 {
		return nil, status.Errorf(codes.FailedPrecondition,
			"volume %s is attached to droplet %d", req.VolumeId, vol.DropletIDs[0])
	}

	start := time.Now()
	deleteErr := s.cloud.DeleteVolume(ctx, req.VolumeId)
	cloudDuration.WithLabelValues("delete_volume").Observe(time.Since(start).Seconds())
	if deleteErr != nil {
		if cloud.IsNotFound(deleteErr) {
			cloudOpsTotal.WithLabelValues("delete_volume", "not_found").Inc()
			return &csi.DeleteVolumeResponse{}, nil
		}
		cloudOpsTotal.WithLabelValues("delete_volume", "error").Inc()
		return nil, status.Errorf(codes.Internal, "delete volume: %v", deleteErr)
	}
	cloudOpsTotal.WithLabelValues("delete_volume", "success").Inc()

	log.Info().Str("volumeID", req.VolumeId).Str("volume", vol.Name).Msg("volume deleted")

	return &csi.DeleteVolumeResponse{}, nil
}

func (s *Server) ListVolumes(ctx context.Context, req *csi.ListVolumesRequest) (*csi.ListVolumesResponse, error) {
	start := time.Now()
	vols, err := s.cloud.ListVolumes(ctx)
	cloudDuration.WithLabelValues("list_volumes").Observe(time.Since(start).Seconds())
	if err != nil {
		cloudOpsTotal.WithLabelValues("list_volumes", "error").Inc()
		return nil, status.Errorf(codes.Internal, "list volumes: %v", err)
	}
	cloudOpsTotal.WithLabelValues("list_volumes", "success").Inc()

	entries := make([]*csi.ListVolumesResponse_Entry, 0, len(vols))
	for i := range vols {
		vol := &vols[i]

		publishedNodes := make([]string, 0, len(vol.DropletIDs))
		for _, id := range vol.DropletIDs {
			publishedNodes = append(publishedNodes, strconv.Itoa(id))
		}

		entries = append(entries, &csi.ListVolumesResponse_Entry{
			Volume: &csi.Volume{
				VolumeId:           vol.ID,
				CapacityBytes:      vol.SizeGigaBytes * giB,
				AccessibleTopology: s.topology(),
			},
			Status: &csi.ListVolumesResponse_VolumeStatus{
				PublishedNodeIds: publishedNodes,
			},
		})
	}

	paged, nextToken, err := paginate(entries, req.StartingToken, req.MaxEntries)
	if err != nil {
		return nil, err
	}

	return &csi.ListVolumesResponse{
		Entries:   paged,
		NextToken: nextToken,
	}, nil
}

func (s *Server) ControllerExpandVolume(ctx context.Context, req *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID required")
	}
	if req.CapacityRange == nil {
		return nil, status.Error(codes.InvalidArgument, "capacity range required")
	}

	sizeGiB, err := sizeFromCapacityRange(req.CapacityRange)
	if err != nil {
		return nil, status.Errorf(codes.OutOfRange, "%v", err)
	}

	vol, err := s.cloud.GetVolume(ctx, req.VolumeId)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "volume %s not found", req.VolumeId)
		}
		return nil, status.Errorf(codes.Internal, "get volume: %v", err)
	}

	// Volumes never shrink. A request at or below the current size is the
	// CO retrying an expansion that already happened.
	if sizeGiB <= vol.SizeGigaBytes {
		return &csi.ControllerExpandVolumeResponse{
			CapacityBytes:         vol.SizeGigaBytes * giB,
			NodeExpansionRequired: true,
		}, nil
	}

	start := time.Now()
	resizeErr := s.cloud.Resize(ctx, req.VolumeId, int(sizeGiB))
	cloudDuration.WithLabelValues("resize_volume").Observe(time.Since(start).Seconds())
	if resizeErr != nil {
		cloudOpsTotal.WithLabelValues("resize_volume", "error").Inc()
		return nil, status.Errorf(codes.Internal, "resize volume: %v", resizeErr)
	}
	cloudOpsTotal.WithLabelValues("resize_volume", "success").Inc()

	log.Info().
		Str("volumeID", req.VolumeId).
		Int64("fromGiB", vol.SizeGigaBytes).
		Int64("toGiB", sizeGiB).
		Msg("volume expanded")

	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         sizeGiB * giB,
		NodeExpansionRequired: true,
	}, nil
}
