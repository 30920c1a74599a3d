//go:build !unix && !windows

package enforce

func isCrossDevice(error) bool { return false }
