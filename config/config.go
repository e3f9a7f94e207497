package config

import "time"

const DriverName = "dobs-luks-csi"

const (
	// StorageClass parameters. The external-provisioner copies them into
	// CreateVolume; the controller validates them and carries the result
	// through the volume context to the node plugin.
	ParamLuksEncrypted   = "luks-encrypted"
	ParamLuksCipher      = "luks-cipher"
	ParamLuksKeySize     = "luks-key-size"
	ParamSecretNamespace = "node-stage-secret-namespace"
	ParamSecretName      = "node-stage-secret-name"
	ParamFSType          = "fs-type"

	// SecretKeyField is the data field inside the node-stage Secret that
	// holds the LUKS passphrase.
	SecretKeyField = "luksKey"

	CtxPrefix     = DriverName + "/"
	CtxVolumeName = CtxPrefix + "volume-name"

	PvcNameKey      = "csi.storage.k8s.io/pvc/name"
	PvcNamespaceKey = "csi.storage.k8s.io/pvc/namespace"

	// TopologyRegionKey constrains scheduling to the volume's region.
	TopologyRegionKey = "region"
)

type ControllerConfig struct {
	Endpoint    string `env:"DRIVER_ENDPOINT" envDefault:"unix:///csi/csi.sock"`
	MetricsAddr string `env:"DRIVER_METRICS_ADDR" envDefault:":9090"`
	Region      string `env:"DRIVER_REGION,required"`
	APIToken    string `env:"DO_API_TOKEN,required"`
	APIURL      string `env:"DO_API_URL"`
	DefaultFS   string `env:"DRIVER_DEFAULT_FS" envDefault:"ext4"`
}

type NodeConfig struct {
	Endpoint        string        `env:"DRIVER_ENDPOINT" envDefault:"unix:///csi/csi.sock"`
	MetricsAddr     string        `env:"DRIVER_METRICS_ADDR" envDefault:":9090"`
	DropletID       string        `env:"DRIVER_DROPLET_ID"`
	Region          string        `env:"DRIVER_REGION"`
	MetadataURL     string        `env:"DRIVER_METADATA_URL" envDefault:"http://169.254.169.254"`
	StatePath       string        `env:"DRIVER_STATE_PATH" envDefault:"/var/lib/dobs-luks-csi"`
	JanitorInterval time.Duration `env:"DRIVER_JANITOR_INTERVAL" envDefault:"10m"`
	Kubeconfig      string        `env:"KUBECONFIG"`
}

type SimulatorConfig struct {
	ListenAddr string `env:"SIM_LISTEN_ADDR" envDefault:":8080"`
	Token      string `env:"SIM_TOKEN,required"`
	Region     string `env:"SIM_REGION" envDefault:"dev1"`
	Droplets   string `env:"SIM_DROPLETS" envDefault:"1001"`
	MaxVolumes int    `env:"SIM_MAX_VOLUMES" envDefault:"25"`
}
