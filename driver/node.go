package driver

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/stackmesh/dobs-luks-csi/config"
	"github.com/stackmesh/dobs-luks-csi/keybroker"
	"github.com/stackmesh/dobs-luks-csi/luks"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *NodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	if req.VolumeId == "" || req.StagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID and staging target path required")
	}
	if req.VolumeCapability == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability required")
	}
	if req.VolumeCapability.GetBlock() != nil {
		return nil, status.Error(codes.InvalidArgument, "raw block volumes are not supported")
	}

	unlock := s.volumeLock(req.VolumeId)
	defer unlock()

	volName := req.PublishContext[config.CtxVolumeName]
	if volName == "" {
		volName = req.VolumeContext[config.CtxVolumeName]
	}
	if volName == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s missing from publish context", config.CtxVolumeName)
	}

	device, err := s.waitForDevice(ctx, volName)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
	}

	fsType := req.VolumeContext[config.ParamFSType]
	if m := req.VolumeCapability.GetMount(); m != nil && m.FsType != "" {
		fsType = m.FsType
	}
	if fsType == "" {
		fsType = "ext4"
	}

	st := &stagingState{
		VolumeID:    req.VolumeId,
		VolumeName:  volName,
		StagingPath: req.StagingTargetPath,
		Device:      device,
		FSType:      fsType,
		StagedAt:    time.Now().UTC(),
	}

	// Encrypted volumes are opened through dm-crypt first; the filesystem
	// then lives on the mapper device and ciphertext on the raw disk.
	source := device
	if req.VolumeContext[config.ParamLuksEncrypted] == "true" {
		source, err = s.openLuks(ctx, req.VolumeContext, device, volName, st)
		if err != nil {
			return nil, err
		}
	}

	isMnt, err := s.mounter.IsMountPoint(req.StagingTargetPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, status.Errorf(codes.Internal, "check staging path: %v", err)
		}
		if err := os.MkdirAll(req.StagingTargetPath, 0o750); err != nil {
			return nil, status.Errorf(codes.Internal, "create staging path: %v", err)
		}
		isMnt = false
	}
	if isMnt {
		log.Debug().Str("path", req.StagingTargetPath).Msg("staging path already mounted")
		// Refresh state in case a previous stage died between mount and write.
		if err := s.writeState(st); err != nil {
			return nil, status.Errorf(codes.Internal, "write staging state: %v", err)
		}
		return &csi.NodeStageVolumeResponse{}, nil
	}

	var opts []string
	if m := req.VolumeCapability.GetMount(); m != nil {
		opts = m.MountFlags
	}

	log.Info().Str("source", source).Str("target", req.StagingTargetPath).Str("fsType", fsType).Msg("staging volume")

	start := time.Now()
	err = s.mounter.FormatAndMount(source, req.StagingTargetPath, fsType, opts)
	mountDuration.WithLabelValues("stage").Observe(time.Since(start).Seconds())
	if err != nil {
		mountOpsTotal.WithLabelValues("stage", "error").Inc()
		return nil, status.Errorf(codes.Internal, "format and mount: %v", err)
	}
	mountOpsTotal.WithLabelValues("stage", "success").Inc()

	if err := s.writeState(st); err != nil {
		return nil, status.Errorf(codes.Internal, "write staging state: %v", err)
	}

	return &csi.NodeStageVolumeResponse{}, nil
}

// openLuks fetches the passphrase and makes /dev/mapper/<volume name>
// available, formatting the LUKS header on first use. Fills the state
// with the mapper and secret reference.
func (s *NodeServer) openLuks(ctx context.Context, volCtx map[string]string, device, volName string, st *stagingState) (string, error) {
	ns := volCtx[config.ParamSecretNamespace]
	name := volCtx[config.ParamSecretName]
	if ns == "" || name == "" {
		return "", status.Error(codes.InvalidArgument, "encrypted volume without a secret reference in the volume context")
	}

	key, err := s.keys.LuksKey(ctx, ns, name)
	if err != nil {
		switch {
		case keybroker.IsNotFound(err):
			return "", status.Errorf(codes.NotFound, "%v", err)
		case keybroker.IsMissingField(err):
			return "", status.Errorf(codes.FailedPrecondition, "%v", err)
		}
		return "", status.Errorf(codes.Internal, "fetch LUKS key: %v", err)
	}

	cipher := volCtx[config.ParamLuksCipher]
	if cipher == "" {
		cipher = "aes-xts-plain64"
	}
	keyBits := 512
	if ks := volCtx[config.ParamLuksKeySize]; ks != "" {
		if bits, err := strconv.Atoi(ks); err == nil {
			keyBits = bits
		}
	}

	formatted, err := s.luks.EnsureOpen(ctx, device, volName, cipher, keyBits, key)
	if err != nil {
		luksOpsTotal.WithLabelValues("open", "error").Inc()
		switch {
		case errors.Is(err, luks.ErrWrongKey):
			return "", status.Errorf(codes.PermissionDenied, "open LUKS device: %v", err)
		case errors.Is(err, luks.ErrDeviceTooSmall):
			return "", status.Errorf(codes.OutOfRange, "format LUKS device: %v", err)
		}
		return "", status.Errorf(codes.Internal, "open LUKS device: %v", err)
	}
	luksOpsTotal.WithLabelValues("open", "success").Inc()
	if formatted {
		log.Info().Str("volume", volName).Str("cipher", cipher).Int("keyBits", keyBits).Msg("LUKS header initialized")
	}

	st.Mapper = volName
	st.Cipher = cipher
	st.KeySizeBits = keyBits
	st.SecretNamespace = ns
	st.SecretName = name

	return luks.MapperPath(volName), nil
}

func (s *NodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	if req.VolumeId == "" || req.StagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID and staging target path required")
	}

	unlock := s.volumeLock(req.VolumeId)
	defer unlock()

	st, err := s.readState(req.VolumeId)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read staging state: %v", err)
	}

	start := time.Now()
	err = s.mounter.CleanupMount(req.StagingTargetPath)
	mountDuration.WithLabelValues("unstage").Observe(time.Since(start).Seconds())
	if err != nil {
		mountOpsTotal.WithLabelValues("unstage", "error").Inc()
		return nil, status.Errorf(codes.Internal, "unmount staging path: %v", err)
	}
	mountOpsTotal.WithLabelValues("unstage", "success").Inc()

	// Without a state file there is nothing more to tear down. The mapper
	// only exists if staging recorded one.
	if st != nil && st.Mapper != "" {
		if err := s.luks.Close(ctx, st.Mapper); err != nil {
			luksOpsTotal.WithLabelValues("close", "error").Inc()
			return nil, status.Errorf(codes.Internal, "close LUKS mapping: %v", err)
		}
		luksOpsTotal.WithLabelValues("close", "success").Inc()
	}

	if err := s.removeState(req.VolumeId); err != nil {
		return nil, status.Errorf(codes.Internal, "remove staging state: %v", err)
	}

	log.Info().Str("volumeID", req.VolumeId).Msg("volume unstaged")

	return &csi.NodeUnstageVolumeResponse{}, nil
}

func (s *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	if req.VolumeId == "" || req.StagingTargetPath == "" || req.TargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID, staging target path, and target path required")
	}

	unlock := s.volumeLock(req.VolumeId)
	defer unlock()

	stagedMnt, err := s.mounter.IsMountPoint(req.StagingTargetPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, status.Errorf(codes.Internal, "check staging path: %v", err)
	}
	if !stagedMnt {
		return nil, status.Errorf(codes.FailedPrecondition, "volume %s is not staged at %s", req.VolumeId, req.StagingTargetPath)
	}

	isMnt, err := s.mounter.IsMountPoint(req.TargetPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, status.Errorf(codes.Internal, "check target path: %v", err)
		}
		if err := os.MkdirAll(req.TargetPath, 0o750); err != nil {
			return nil, status.Errorf(codes.Internal, "create target path: %v", err)
		}
		isMnt = false
	}
	if isMnt {
		// Same device means the kubelet is retrying; anything else holds
		// the target hostage.
		stagedDev, err := s.mounter.DeviceForMount(req.StagingTargetPath)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "resolve staging device: %v", err)
		}
		targetDev, err := s.mounter.DeviceForMount(req.TargetPath)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "resolve target device: %v", err)
		}
		if stagedDev == targetDev {
			log.Debug().Str("path", req.TargetPath).Msg("target path already mounted")
			return &csi.NodePublishVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.FailedPrecondition,
			"target path %s is already a mount of %s", req.TargetPath, targetDev)
	}

	start := time.Now()
	err = s.mounter.BindMount(req.StagingTargetPath, req.TargetPath, req.Readonly)
	mountDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())
	if err != nil {
		mountOpsTotal.WithLabelValues("publish", "error").Inc()
		return nil, status.Errorf(codes.Internal, "bind mount: %v", err)
	}
	mountOpsTotal.WithLabelValues("publish", "success").Inc()

	log.Info().Str("volumeID", req.VolumeId).Str("target", req.TargetPath).Bool("readonly", req.Readonly).Msg("volume published")

	return &csi.NodePublishVolumeResponse{}, nil
}

func (s *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	if req.VolumeId == "" || req.TargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID and target path required")
	}

	unlock := s.volumeLock(req.VolumeId)
	defer unlock()

	start := time.Now()
	err := s.mounter.CleanupMount(req.TargetPath)
	mountDuration.WithLabelValues("unpublish").Observe(time.Since(start).Seconds())
	if err != nil {
		mountOpsTotal.WithLabelValues("unpublish", "error").Inc()
		return nil, status.Errorf(codes.Internal, "unmount target path: %v", err)
	}
	mountOpsTotal.WithLabelValues("unpublish", "success").Inc()

	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func (s *NodeServer) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	if req.VolumeId == "" || req.VolumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID and volume path required")
	}

	unlock := s.volumeLock(req.VolumeId)
	defer unlock()

	st, err := s.readState(req.VolumeId)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read staging state: %v", err)
	}
	if st == nil {
		return nil, status.Errorf(codes.NotFound, "volume %s is not staged on this node", req.VolumeId)
	}

	device := st.Device
	if st.Mapper != "" {
		// The dm-crypt mapping has to grow before the filesystem can.
		key, err := s.keys.LuksKey(ctx, st.SecretNamespace, st.SecretName)
		if err != nil {
			if keybroker.IsNotFound(err) || keybroker.IsMissingField(err) {
				return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
			}
			return nil, status.Errorf(codes.Internal, "fetch LUKS key: %v", err)
		}
		if err := s.luks.Resize(ctx, st.Mapper, key); err != nil {
			luksOpsTotal.WithLabelValues("resize", "error").Inc()
			if errors.Is(err, luks.ErrWrongKey) {
				return nil, status.Errorf(codes.PermissionDenied, "resize LUKS mapping: %v", err)
			}
			return nil, status.Errorf(codes.Internal, "resize LUKS mapping: %v", err)
		}
		luksOpsTotal.WithLabelValues("resize", "success").Inc()
		device = luks.MapperPath(st.Mapper)
	}

	if err := s.mounter.ResizeFS(device, req.VolumePath); err != nil {
		return nil, status.Errorf(codes.Internal, "resize filesystem: %v", err)
	}

	log.Info().Str("volumeID", req.VolumeId).Str("device", device).Msg("filesystem expanded")

	resp := &csi.NodeExpandVolumeResponse{}
	if req.CapacityRange != nil {
		resp.CapacityBytes = req.CapacityRange.RequiredBytes
	}
	return resp, nil
}
