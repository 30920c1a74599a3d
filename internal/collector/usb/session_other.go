//go:build !linux && !windows

package usb

import "context"

type noopSession struct{}

// OpenSession returns a session that reports no devices on this platform.
func OpenSession() (Session, error) { return noopSession{}, nil }

func (noopSession) Devices(context.Context) ([]Device, error) { return nil, nil }

func (noopSession) Close() error { return nil }
