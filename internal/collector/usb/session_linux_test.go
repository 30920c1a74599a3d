//go:build linux

package usb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLinuxSessionFindsUSBMounts(t *testing.T) {
	root := t.TempDir()
	sys := filepath.Join(root, "sys")

	usbDev := filepath.Join(sys, "devices", "pci0000:00", "usb1", "1-1")
	writeFile(t, filepath.Join(usbDev, "idVendor"), "0781\n")
	writeFile(t, filepath.Join(usbDev, "idProduct"), "5567\n")
	writeFile(t, filepath.Join(usbDev, "serial"), "4C530001\n")
	writeFile(t, filepath.Join(usbDev, "product"), "Cruzer Blade\n")
	part := filepath.Join(usbDev, "1-1:1.0", "host6", "block", "sdb", "sdb1")
	require.NoError(t, os.MkdirAll(part, 0755))

	sata := filepath.Join(sys, "devices", "pci0000:00", "ata1", "block", "sda", "sda1")
	require.NoError(t, os.MkdirAll(sata, 0755))

	classBlock := filepath.Join(sys, "class", "block")
	require.NoError(t, os.MkdirAll(classBlock, 0755))
	require.NoError(t, os.Symlink(part, filepath.Join(classBlock, "sdb1")))
	require.NoError(t, os.Symlink(sata, filepath.Join(classBlock, "sda1")))

	mounts := filepath.Join(root, "mounts")
	writeFile(t, mounts, `/dev/sda1 / ext4 rw 0 0
proc /proc proc rw 0 0
/dev/loop0 /snap/core squashfs ro 0 0
/dev/sdb1 /media/user/MY\040STICK vfat rw 0 0
`)

	s := newLinuxSession(mounts, sys)
	devices, err := s.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]
	assert.Equal(t, "4C530001/sdb1", d.ID)
	assert.Equal(t, "Cruzer Blade", d.Name)
	assert.Equal(t, "/media/user/MY STICK", d.MountPoint)
	assert.Equal(t, "0781", d.VendorID)
	assert.Equal(t, "5567", d.ProductID)
	require.NoError(t, s.Close())
}
