package blkdev

import (
	"strings"
	"unsafe"

	"github.com/s-urbaniak/uevent"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// blkGetSize64 is Linux's BLKGETSIZE64 ioctl request number, not
// exposed as a named constant by x/sys/unix; _IOR(0x12, 114,
// sizeof(u64)) per linux/fs.h.
const blkGetSize64 = 0x80081272

// DeviceSize issues BLKGETSIZE64 against an already-open block special
// device, the same raw ioctl cmd/minitrd would need (instead of
// trusting a file size) since a block device's apparent os.File size
// is not meaningful.
func DeviceSize(fd int) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), blkGetSize64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, xerrors.Errorf("blkdev: BLKGETSIZE64: %w", errno)
	}
	return size, nil
}

// WaitForDevice blocks until devname (e.g. "nvme0n1") appears as an
// "add" uevent on the "block" subsystem, mirroring cmd/minitrd.go's
// uevent.NewReader/NewDecoder loop used to wait for root device nodes
// to appear before mounting them.
func WaitForDevice(devname string) error {
	r, err := uevent.NewReader()
	if err != nil {
		return xerrors.Errorf("blkdev: uevent.NewReader: %w", err)
	}
	defer r.Close()

	dec := uevent.NewDecoder(r)
	for {
		ev, err := dec.Decode()
		if err != nil {
			return xerrors.Errorf("blkdev: uevent decode: %w", err)
		}
		if ev.Subsystem != "block" || ev.Action != "add" {
			continue
		}
		if name, ok := ev.Vars["DEVNAME"]; ok && strings.TrimPrefix(name, "/dev/") == devname {
			return nil
		}
	}
}
