package controller

import (
	"context"
	"time"

	"github.com/digitalocean/godo"
	"github.com/stackmesh/dobs-luks-csi/cloud"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func csiSnapshot(snap *godo.Snapshot) *csi.Snapshot {
	creation := timestamppb.Now()
	if t, err := time.Parse(time.RFC3339, snap.Created); err == nil {
		creation = timestamppb.New(t)
	}
	return &csi.Snapshot{
		SnapshotId:     snap.ID,
		SourceVolumeId: snap.ResourceID,
		SizeBytes:      int64(snap.MinDiskSize) * giB,
		CreationTime:   creation,
		ReadyToUse:     true,
	}
}

func (s *Server) CreateSnapshot(ctx context.Context, req *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "snapshot name required")
	}
	if req.SourceVolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "source volume ID required")
	}

	start := time.Now()
	snap, createErr := s.cloud.CreateSnapshot(ctx, req.SourceVolumeId, req.Name, nil)
	cloudDuration.WithLabelValues("create_snapshot").Observe(time.Since(start).Seconds())
	if createErr != nil {
		switch {
		case cloud.IsConflict(createErr):
			cloudOpsTotal.WithLabelValues("create_snapshot", "conflict").Inc()
			existing, err := s.cloud.FindSnapshot(ctx, req.SourceVolumeId, req.Name)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "snapshot conflict but failed to retrieve: %v", err)
			}
			if existing == nil {
				// name taken by a snapshot of some other volume
				return nil, status.Errorf(codes.AlreadyExists,
					"snapshot %q already exists for a different source volume", req.Name)
			}
			snap = existing
		case cloud.IsNotFound(createErr):
			cloudOpsTotal.WithLabelValues("create_snapshot", "not_found").Inc()
			return nil, status.Errorf(codes.NotFound, "source volume %s not found", req.SourceVolumeId)
		default:
			cloudOpsTotal.WithLabelValues("create_snapshot", "error").Inc()
			return nil, status.Errorf(codes.Internal, "create snapshot: %v", createErr)
		}
	} else {
		cloudOpsTotal.WithLabelValues("create_snapshot", "success").Inc()
	}

	log.Info().Str("snapshot", req.Name).Str("snapshotID", snap.ID).Str("volumeID", req.SourceVolumeId).Msg("snapshot created")

	return &csi.CreateSnapshotResponse{
		Snapshot: csiSnapshot(snap),
	}, nil
}

func (s *Server) DeleteSnapshot(ctx context.Context, req *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	if req.SnapshotId == "" {
		return nil, status.Error(codes.InvalidArgument, "snapshot ID required")
	}

	start := time.Now()
	deleteErr := s.cloud.DeleteSnapshot(ctx, req.SnapshotId)
	cloudDuration.WithLabelValues("delete_snapshot").Observe(time.Since(start).Seconds())
	if deleteErr != nil {
		if cloud.IsNotFound(deleteErr) {
			cloudOpsTotal.WithLabelValues("delete_snapshot", "not_found").Inc()
			return &csi.DeleteSnapshotResponse{}, nil
		}
		cloudOpsTotal.WithLabelValues("delete_snapshot", "error").Inc()
		return nil, status.Errorf(codes.Internal, "delete snapshot: %v", deleteErr)
	}
	cloudOpsTotal.WithLabelValues("delete_snapshot", "success").Inc()

	log.Info().Str("snapshotID", req.SnapshotId).Msg("snapshot deleted")

	return &csi.DeleteSnapshotResponse{}, nil
}

func (s *Server) ListSnapshots(ctx context.Context, req *csi.ListSnapshotsRequest) (*csi.ListSnapshotsResponse, error) {
	// By ID and by source are exact filters, an unknown ID just means an
	// empty page.
	if req.SnapshotId != "" {
		snap, err := s.cloud.GetSnapshot(ctx, req.SnapshotId)
		if err != nil {
			if cloud.IsNotFound(err) {
				return &csi.ListSnapshotsResponse{}, nil
			}
			return nil, status.Errorf(codes.Internal, "get snapshot: %v", err)
		}
		return &csi.ListSnapshotsResponse{
			Entries: []*csi.ListSnapshotsResponse_Entry{{Snapshot: csiSnapshot(snap)}},
		}, nil
	}

	var (
		snaps []godo.Snapshot
		err   error
	)
	start := time.Now()
	if req.SourceVolumeId != "" {
		snaps, err = s.cloud.ListVolumeSnapshots(ctx, req.SourceVolumeId)
		if cloud.IsNotFound(err) {
			snaps, err = nil, nil
		}
	} else {
		snaps, err = s.cloud.ListSnapshots(ctx)
	}
	cloudDuration.WithLabelValues("list_snapshots").Observe(time.Since(start).Seconds())
	if err != nil {
		cloudOpsTotal.WithLabelValues("list_snapshots", "error").Inc()
		return nil, status.Errorf(codes.Internal, "list snapshots: %v", err)
	}
	cloudOpsTotal.WithLabelValues("list_snapshots", "success").Inc()

	entries := make([]*csi.ListSnapshotsResponse_Entry, 0, len(snaps))
	for i := range snaps {
		entries = append(entries, &csi.ListSnapshotsResponse_Entry{
			Snapshot: csiSnapshot(&snaps[i]),
		})
	}

	paged, nextToken, err := paginate(entries, req.StartingToken, req.MaxEntries)
	if err != nil {
		return nil, err
	}

	return &csi.ListSnapshotsResponse{
		Entries:   paged,
		NextToken: nextToken,
	}, nil
}
