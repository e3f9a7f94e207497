package controller

import (
	"fmt"
	"strconv"

	"github.com/stackmesh/dobs-luks-csi/config"
)

// volumeParams is the validated form of the StorageClass parameters.
// Everything the node plugin needs at stage time travels through the
// volume context, never through CreateVolume secrets.
type volumeParams struct {
	Encrypted       bool
	Cipher          string
	KeySizeBits     int
	SecretNamespace string
	SecretName      string
	FSType          string
}

// Ciphers cryptsetup accepts for LUKS2 on a stock kernel. Anything else
// would format fine on one node and fail to open on another, so the list
// is closed.
var allowedCiphers = map[string]bool{
	"aes-xts-plain64":      true,
	"aes-xts-plain":        true,
	"aes-cbc-essiv:sha256": true,
}

var allowedFilesystems = map[string]bool{
	"ext4": true,
	"xfs":  true,
}

func resolveVolumeParams(params map[string]string, defaultFS string) (volumeParams, error) {
	vp := volumeParams{
		Cipher:      "aes-xts-plain64",
		KeySizeBits: 512,
		FSType:      defaultFS,
	}

	switch params[config.ParamLuksEncrypted] {
	case "", "false":
	case "true":
		vp.Encrypted = true
	default:
		return vp, fmt.Errorf("%s must be %q or %q", config.ParamLuksEncrypted, "true", "false")
	}

	if c := params[config.ParamLuksCipher]; c != "" {
		if !allowedCiphers[c] {
			return vp, fmt.Errorf("unsupported cipher %q", c)
		}
		vp.Cipher = c
	}

	if ks := params[config.ParamLuksKeySize]; ks != "" {
		bits, err := strconv.Atoi(ks)
		if err != nil || (bits != 256 && bits != 512) {
			return vp, fmt.Errorf("%s must be 256 or 512, got %q", config.ParamLuksKeySize, ks)
		}
		vp.KeySizeBits = bits
	}

	if fs := params[config.ParamFSType]; fs != "" {
		if !allowedFilesystems[fs] {
			return vp, fmt.Errorf("unsupported filesystem %q", fs)
		}
		vp.FSType = fs
	}

	if vp.Encrypted {
		vp.SecretNamespace = params[config.ParamSecretNamespace]
		vp.SecretName = params[config.ParamSecretName]
		if vp.SecretNamespace == "" || vp.SecretName == "" {
			return vp, fmt.Errorf("encrypted volumes need the %s and %s parameters",
				config.ParamSecretNamespace, config.ParamSecretName)
		}
	}

	return vp, nil
}

// volumeContext renders the parameters for the node plugin. The secret
// itself is looked up node-side at stage time, only the reference travels.
func (vp volumeParams) volumeContext(volumeName string) map[string]string {
	volCtx := map[string]string{
		config.CtxVolumeName:      volumeName,
		config.ParamLuksEncrypted: strconv.FormatBool(vp.Encrypted),
		config.ParamFSType:        vp.FSType,
	}
	if vp.Encrypted {
		volCtx[config.ParamLuksCipher] = vp.Cipher
		volCtx[config.ParamLuksKeySize] = strconv.Itoa(vp.KeySizeBits)
		volCtx[config.ParamSecretNamespace] = vp.SecretNamespace
		volCtx[config.ParamSecretName] = vp.SecretName
	}
	return volCtx
}
