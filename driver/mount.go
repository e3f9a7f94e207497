package driver

import (
	"k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"
)

// mounter is the slice of mount-utils the node plugin needs. Tests swap
// in an in-memory fake, everything else goes through the real thing.
type mounter interface {
	FormatAndMount(source, target, fstype string, options []string) error
	BindMount(source, target string, readonly bool) error
	CleanupMount(target string) error
	IsMountPoint(path string) (bool, error)
	DeviceForMount(path string) (string, error)
	ResizeFS(device, mountPath string) error
}

type sysMounter struct {
	*mount.SafeFormatAndMount
}

func newSysMounter() *sysMounter {
	return &sysMounter{&mount.SafeFormatAndMount{
		Interface: mount.New(""),
		Exec:      utilexec.New(),
	}}
}

func (m *sysMounter) BindMount(source, target string, readonly bool) error {
	opts := []string{"bind"}
	if readonly {
		opts = append(opts, "ro")
	}
	return m.Mount(source, target, "", opts)
}

// CleanupMount unmounts and removes the mount directory, tolerating paths
// that are already gone.
func (m *sysMounter) CleanupMount(target string) error {
	return mount.CleanupMountPoint(target, m.SafeFormatAndMount, true)
}

func (m *sysMounter) DeviceForMount(path string) (string, error) {
	device, _, err := mount.GetDeviceNameFromMount(m.SafeFormatAndMount, path)
	return device, err
}

func (m *sysMounter) ResizeFS(device, mountPath string) error {
	_, err := mount.NewResizeFs(m.Exec).Resize(device, mountPath)
	return err
}
