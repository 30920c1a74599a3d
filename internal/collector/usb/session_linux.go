//go:build linux

package usb

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pilebones/go-udev/netlink"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
)

type linuxSession struct {
	mountsPath string
	sysRoot    string

	conn    *netlink.UEventConn
	quit    chan struct{}
	done    chan struct{}
	changes chan struct{}
}

// OpenSession opens a session that reads mounted USB volumes from
// /proc/mounts and sysfs, woken by udev block events when available.
func OpenSession() (Session, error) {
	s := newLinuxSession("/proc/mounts", "/sys")
	s.startUdev()
	return s, nil
}

func newLinuxSession(mountsPath, sysRoot string) *linuxSession {
	return &linuxSession{
		mountsPath: mountsPath,
		sysRoot:    sysRoot,
		changes:    make(chan struct{}, 1),
	}
}

func (s *linuxSession) startUdev() {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logger.Warnf("udev monitor unavailable, falling back to periodic scans: %v", err)
		return
	}
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	s.conn = conn
	s.quit = conn.Monitor(queue, errs, nil)
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-errs:
				continue
			case ev := <-queue:
				if ev.Env["SUBSYSTEM"] != "block" || ev.Env["DEVTYPE"] != "partition" {
					continue
				}
				if ev.Action != netlink.ADD && ev.Action != netlink.REMOVE {
					continue
				}
				select {
				case s.changes <- struct{}{}:
				default:
				}
			}
		}
	}()
}

func (s *linuxSession) Changes() <-chan struct{} { return s.changes }

func (s *linuxSession) Close() error {
	if s.conn == nil {
		return nil
	}
	close(s.done)
	close(s.quit)
	return s.conn.Close()
}

func (s *linuxSession) Devices(ctx context.Context) ([]Device, error) {
	f, err := os.Open(s.mountsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Device
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		devPath := fields[0]
		mountPoint := unescapeMount(fields[1])
		if !strings.HasPrefix(devPath, "/dev/") || strings.HasPrefix(devPath, "/dev/loop") {
			continue
		}
		if seen[devPath] {
			continue
		}

		devName := filepath.Base(devPath)
		realPath, err := filepath.EvalSymlinks(filepath.Join(s.sysRoot, "class", "block", devName))
		if err != nil {
			continue
		}
		usbRoot := findUSBRoot(realPath, s.sysRoot)
		if usbRoot == "" {
			continue
		}
		seen[devPath] = true

		serial := readFile(filepath.Join(usbRoot, "serial"))
		vid := readFile(filepath.Join(usbRoot, "idVendor"))
		pid := readFile(filepath.Join(usbRoot, "idProduct"))
		name := readFile(filepath.Join(usbRoot, "product"))
		if name == "" {
			name = devName
		}
		id := serial
		if id == "" {
			id = vid + ":" + pid
		}
		out = append(out, Device{
			ID:         id + "/" + devName,
			Name:       name,
			MountPoint: mountPoint,
			VendorID:   vid,
			ProductID:  pid,
			Serial:     serial,
		})
	}
	return out, scanner.Err()
}

// findUSBRoot walks up from a sysfs block path to the USB device directory,
// identified by its idVendor file. It returns "" for non-USB devices.
func findUSBRoot(path, sysRoot string) string {
	dir := path
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." || !strings.HasPrefix(dir, sysRoot) {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
	}
	return ""
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// unescapeMount decodes the octal escapes /proc/mounts uses for whitespace.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return r.Replace(s)
}
