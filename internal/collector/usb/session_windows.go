//go:build windows

package usb

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// sFalse is returned by CoInitializeEx when COM is already initialized on
// this thread. It still requires a matching CoUninitialize.
const sFalse = windows.Errno(1)

type windowsSession struct{}

// OpenSession initializes COM on the calling thread. The caller must keep
// the thread locked until Close.
func OpenSession() (Session, error) {
	if err := windows.CoInitializeEx(0, windows.COINIT_MULTITHREADED); err != nil && !errors.Is(err, sFalse) {
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}
	return &windowsSession{}, nil
}

func (s *windowsSession) Close() error {
	windows.CoUninitialize()
	return nil
}

func (s *windowsSession) Devices(ctx context.Context) ([]Device, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, fmt.Errorf("GetLogicalDrives: %w", err)
	}
	var out []Device
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		root := string(rune('A'+i)) + `:\`
		rootPtr, err := windows.UTF16PtrFromString(root)
		if err != nil {
			continue
		}
		if windows.GetDriveType(rootPtr) != windows.DRIVE_REMOVABLE {
			continue
		}

		var (
			label   = make([]uint16, windows.MAX_PATH+1)
			fsName  = make([]uint16, windows.MAX_PATH+1)
			serial  uint32
			maxComp uint32
			fsFlags uint32
		)
		if err := windows.GetVolumeInformation(rootPtr, &label[0], uint32(len(label)), &serial, &maxComp, &fsFlags, &fsName[0], uint32(len(fsName))); err != nil {
			// Removable drive without media.
			continue
		}
		name := windows.UTF16ToString(label)
		if name == "" {
			name = root
		}
		serialHex := fmt.Sprintf("%08X", serial)
		out = append(out, Device{
			ID:         serialHex + "/" + root[:2],
			Name:       name,
			MountPoint: root,
			Serial:     serialHex,
		})
	}
	return out, nil
}
