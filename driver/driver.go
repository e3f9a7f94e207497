package driver

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/stackmesh/dobs-luks-csi/config"
	"github.com/stackmesh/dobs-luks-csi/csiserver"
	"github.com/stackmesh/dobs-luks-csi/keybroker"
	"github.com/stackmesh/dobs-luks-csi/luks"

	csi "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/rs/zerolog/log"
)

// maxVolumesPerNode is the platform's per-droplet attach limit.
const maxVolumesPerNode = 7

func Start(ctx context.Context, cfg *config.NodeConfig, version string) error {
	startMetricsServer(cfg.MetricsAddr)

	dropletID, region, err := resolveNodeIdentity(cfg)
	if err != nil {
		return err
	}
	log.Info().Str("dropletID", dropletID).Str("region", region).Msg("node identity resolved")

	broker, err := keybroker.New(cfg.Kubeconfig)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StatePath, 0o700); err != nil {
		return err
	}

	node := &NodeServer{
		dropletID:  dropletID,
		region:     region,
		statePath:  cfg.StatePath,
		luks:       luks.NewManager(),
		keys:       broker,
		mounter:    newSysMounter(),
		byIDDir:    defaultByIDDir,
		deviceWait: defaultDeviceWait,
	}

	go NewJanitor(node, cfg.JanitorInterval).Run(ctx)

	srv, err := csiserver.New(cfg.Endpoint, version, nil, metricsInterceptor)
	if err != nil {
		return err
	}
	csi.RegisterNodeServer(srv.GRPC(), node)
	return srv.Run(ctx, "node")
}

// KeyBroker is what staging needs from the keybroker package.
type KeyBroker interface {
	LuksKey(ctx context.Context, namespace, name string) ([]byte, error)
}

// luksManager is the slice of luks.Manager the node plugin uses.
type luksManager interface {
	EnsureOpen(ctx context.Context, device, mapper, cipher string, keyBits int, key []byte) (bool, error)
	Close(ctx context.Context, mapper string) error
	Resize(ctx context.Context, mapper string, key []byte) error
}

type NodeServer struct {
	csi.UnimplementedNodeServer
	dropletID string
	region    string
	statePath string

	luks    luksManager
	keys    KeyBroker
	mounter mounter

	byIDDir    string
	deviceWait time.Duration

	locks sync.Map
}

// volumeLock serializes operations per volume. The kubelet may retry a
// stage while an unstage is still tearing down.
func (s *NodeServer) volumeLock(id string) func() {
	val, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := val.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *NodeServer) NodeGetCapabilities(_ context.Context, _ *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	caps := []csi.NodeServiceCapability_RPC_Type{
		csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
		csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
		csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
	}

	var nodeCaps []*csi.NodeServiceCapability
	for _, c := range caps {
		nodeCaps = append(nodeCaps, &csi.NodeServiceCapability{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: c,
				},
			},
		})
	}

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: nodeCaps,
	}, nil
}

func (s *NodeServer) NodeGetInfo(_ context.Context, _ *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{
		NodeId:            s.dropletID,
		MaxVolumesPerNode: maxVolumesPerNode,
		AccessibleTopology: &csi.Topology{
			Segments: map[string]string{config.TopologyRegionKey: s.region},
		},
	}, nil
}
