package controller

import (
	"testing"

	"github.com/stackmesh/dobs-luks-csi/config"
)

func TestResolveVolumeParams(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		vp, err := resolveVolumeParams(nil, "ext4")
		if err != nil {
			t.Fatalf("resolveVolumeParams() error: %v", err)
		}
		if vp.Encrypted {
			t.Error("Encrypted should default to false")
		}
		if vp.Cipher != "aes-xts-plain64" || vp.KeySizeBits != 512 {
			t.Errorf("got cipher %q / %d bits, want aes-xts-plain64 / 512", vp.Cipher, vp.KeySizeBits)
		}
		if vp.FSType != "ext4" {
			t.Errorf("FSType = %q, want ext4", vp.FSType)
		}
	})

	t.Run("encrypted with secret reference", func(t *testing.T) {
		vp, err := resolveVolumeParams(map[string]string{
			config.ParamLuksEncrypted:   "true",
			config.ParamLuksCipher:      "aes-xts-plain",
			config.ParamLuksKeySize:     "256",
			config.ParamSecretNamespace: "kube-system",
			config.ParamSecretName:      "luks-key",
			config.ParamFSType:          "xfs",
		}, "ext4")
		if err != nil {
			t.Fatalf("resolveVolumeParams() error: %v", err)
		}
		if !vp.Encrypted {
			t.Error("Encrypted should be true")
		}
		if vp.Cipher != "aes-xts-plain" || vp.KeySizeBits != 256 {
			t.Errorf("got cipher %q / %d bits", vp.Cipher, vp.KeySizeBits)
		}
		if vp.SecretNamespace != "kube-system" || vp.SecretName != "luks-key" {
			t.Errorf("secret ref = %s/%s", vp.SecretNamespace, vp.SecretName)
		}
		if vp.FSType != "xfs" {
			t.Errorf("FSType = %q, want xfs", vp.FSType)
		}
	})

	invalid := []struct {
		name   string
		params map[string]string
	}{
		{"bad encrypted flag", map[string]string{config.ParamLuksEncrypted: "yes"}},
		{"unknown cipher", map[string]string{config.ParamLuksCipher: "rot13"}},
		{"odd key size", map[string]string{config.ParamLuksKeySize: "384"}},
		{"non-numeric key size", map[string]string{config.ParamLuksKeySize: "big"}},
		{"unknown filesystem", map[string]string{config.ParamFSType: "btrfs"}},
		{"encrypted without secret", map[string]string{config.ParamLuksEncrypted: "true"}},
		{"encrypted missing namespace", map[string]string{
			config.ParamLuksEncrypted: "true",
			config.ParamSecretName:    "luks-key",
		}},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := resolveVolumeParams(tt.params, "ext4"); err == nil {
				t.Error("resolveVolumeParams() should fail")
			}
		})
	}
}

func TestVolumeContext(t *testing.T) {
	t.Run("plain volume", func(t *testing.T) {
		vp, err := resolveVolumeParams(nil, "ext4")
		if err != nil {
			t.Fatalf("resolveVolumeParams() error: %v", err)
		}

		volCtx := vp.volumeContext("pvc-123")
		if volCtx[config.CtxVolumeName] != "pvc-123" {
			t.Errorf("volume name = %q", volCtx[config.CtxVolumeName])
		}
		if volCtx[config.ParamLuksEncrypted] != "false" {
			t.Errorf("%s = %q, want false", config.ParamLuksEncrypted, volCtx[config.ParamLuksEncrypted])
		}
		if _, ok := volCtx[config.ParamSecretName]; ok {
			t.Error("plain volumes must not carry a secret reference")
		}
	})

	t.Run("encrypted volume", func(t *testing.T) {
		vp, err := resolveVolumeParams(map[string]string{
			config.ParamLuksEncrypted:   "true",
			config.ParamSecretNamespace: "default",
			config.ParamSecretName:      "luks-key",
		}, "ext4")
		if err != nil {
			t.Fatalf("resolveVolumeParams() error: %v", err)
		}

		volCtx := vp.volumeContext("pvc-123")
		if volCtx[config.ParamLuksEncrypted] != "true" {
			t.Errorf("%s = %q, want true", config.ParamLuksEncrypted, volCtx[config.ParamLuksEncrypted])
		}
		if volCtx[config.ParamLuksCipher] != "aes-xts-plain64" {
			t.Errorf("cipher = %q", volCtx[config.ParamLuksCipher])
		}
		if volCtx[config.ParamLuksKeySize] != "512" {
			t.Errorf("key size = %q", volCtx[config.ParamLuksKeySize])
		}
		if volCtx[config.ParamSecretNamespace] != "default" || volCtx[config.ParamSecretName] != "luks-key" {
			t.Errorf("secret ref = %s/%s", volCtx[config.ParamSecretNamespace], volCtx[config.ParamSecretName])
		}
	})
}
