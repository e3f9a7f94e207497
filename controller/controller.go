package controller

import (
	"context"

	"github.com/stackmesh/dobs-luks-csi/cloud"
	"github.com/stackmesh/dobs-luks-csi/config"
	"github.com/stackmesh/dobs-luks-csi/csiserver"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func Start(ctx context.Context, cfg *config.ControllerConfig, version string) error {
	startMetricsServer(cfg.MetricsAddr)

	cloudClient, err := cloud.New(cfg.APIToken, cfg.APIURL, cfg.Region, config.DriverName+"/"+version)
	if err != nil {
		return err
	}

	watcher := NewHealthWatcher(cloudClient)
	go watcher.Run(ctx)

	srv, err := csiserver.New(cfg.Endpoint, version, cloudClient.CheckHealth, metricsInterceptor)
	if err != nil {
		return err
	}
	csi.RegisterControllerServer(srv.GRPC(), &Server{cloud: cloudClient, defaultFS: cfg.DefaultFS})
	return srv.Run(ctx, "controller")
}

type Server struct {
	csi.UnimplementedControllerServer
	cloud     *cloud.Client
	defaultFS string
}

// topology pins volumes to the controller's region. The external
// provisioner turns this into node affinity on the PV.
func (s *Server) topology() []*csi.Topology {
	return []*csi.Topology{{
		Segments: map[string]string{config.TopologyRegionKey: s.cloud.Region()},
	}}
}

// unsupportedCapability returns a reason when any requested capability is
// outside what an attached block volume can do, empty otherwise.
func unsupportedCapability(caps []*csi.VolumeCapability) string {
	for _, c := range caps {
		if c.GetBlock() != nil {
			return "raw block access not supported, volumes surface through dm-crypt and a filesystem"
		}
		if am := c.GetAccessMode(); am != nil {
			switch am.Mode {
			case csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
				csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY:
			default:
				return "only ReadWriteOnce and ReadOnlyOnce access modes are supported"
			}
		}
	}
	return ""
}

func (s *Server) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID required")
	}
	if len(req.VolumeCapabilities) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities required")
	}

	if _, err := s.cloud.GetVolume(ctx, req.VolumeId); err != nil {
		if cloud.IsNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "volume %s not found", req.VolumeId)
		}
		return nil, status.Errorf(codes.Internal, "get volume: %v", err)
	}

	if reason := unsupportedCapability(req.VolumeCapabilities); reason != "" {
		return &csi.ValidateVolumeCapabilitiesResponse{Message: reason}, nil
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeCapabilities: req.VolumeCapabilities,
			VolumeContext:      req.VolumeContext,
		},
	}, nil
}

func (s *Server) ControllerGetCapabilities(_ context.Context, _ *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	caps := []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_SNAPSHOT,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
		csi.ControllerServiceCapability_RPC_LIST_VOLUMES,
		csi.ControllerServiceCapability_RPC_LIST_VOLUMES_PUBLISHED_NODES,
		csi.ControllerServiceCapability_RPC_LIST_SNAPSHOTS,
	}

	var csiCaps []*csi.ControllerServiceCapability
	for _, c := range caps {
		csiCaps = append(csiCaps, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{
					Type: c,
				},
			},
		})
	}

	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: csiCaps,
	}, nil
}
