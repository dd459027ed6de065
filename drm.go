// drm.go
package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Xe engine classes as reported by DRM_IOCTL_XE_DEVICE_QUERY.
const (
	xeEngineClassRender       = 0
	xeEngineClassCopy         = 1
	xeEngineClassVideoDecode  = 2
	xeEngineClassVideoEnhance = 3
	xeEngineClassCompute      = 4
)

// xeEngineClassInstance is one hardware execution unit identity as
// the xe driver reports it: class, instance within the class, and the
// GT (graphics tile partition) it lives on.
type xeEngineClassInstance struct {
	EngineClass    uint16
	EngineInstance uint16
	GTID           uint16
}

// drm_xe_device_query ioctl plumbing. The request transfers a 40-byte
// struct both ways: extensions, query id, size, data pointer, and two
// reserved words.
type xeDeviceQuery struct {
	extensions uint64
	query      uint32
	size       uint32
	data       uint64
	reserved   [2]uint64
}

const (
	drmIoctlBase      = 'd'
	drmCommandBase    = 0x40
	drmXeDeviceQuery  = 0x00
	xeQueryEnginesID  = 0 // DRM_XE_DEVICE_QUERY_ENGINES
	xeQueryEngineSize = 32
)

// ioctl request: _IOWR('d', DRM_COMMAND_BASE + DRM_XE_DEVICE_QUERY,
// struct drm_xe_device_query).
var xeDeviceQueryRequest = uintptr(3<<30 |
	uint(unsafe.Sizeof(xeDeviceQuery{}))<<16 |
	drmIoctlBase<<8 |
	(drmCommandBase + drmXeDeviceQuery))

func xeIoctl(fd int, q *xeDeviceQuery) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
			xeDeviceQueryRequest, uintptr(unsafe.Pointer(q)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// xeQueryEngines enumerates the engines of an xe device through the
// two-call device-query protocol: first probe the payload size, then
// fetch the engine array. Each array element is a class/instance/gt
// triplet followed by reserved words.
func xeQueryEngines(devPath string) ([]xeEngineClassInstance, error) {
	fd, err := unix.Open(devPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}
	defer unix.Close(fd)

	q := xeDeviceQuery{query: xeQueryEnginesID}
	if err := xeIoctl(fd, &q); err != nil {
		return nil, fmt.Errorf("xe device query size: %w", err)
	}
	if q.size < 8 {
		return nil, fmt.Errorf("xe device query: payload too small (%d)", q.size)
	}

	payload := make([]byte, q.size)
	q.data = uint64(uintptr(unsafe.Pointer(&payload[0])))
	if err := xeIoctl(fd, &q); err != nil {
		return nil, fmt.Errorf("xe device query engines: %w", err)
	}

	// Payload: u32 num_engines, u32 pad, then num_engines entries of
	// {u16 class, u16 instance, u16 gt, u16 pad, 3×u64 reserved}.
	num := int(uint32(payload[0]) | uint32(payload[1])<<8 |
		uint32(payload[2])<<16 | uint32(payload[3])<<24)
	if 8+num*xeQueryEngineSize > len(payload) {
		return nil, fmt.Errorf("xe device query: %d engines exceed %d-byte payload", num, len(payload))
	}

	engines := make([]xeEngineClassInstance, 0, num)
	for i := 0; i < num; i++ {
		off := 8 + i*xeQueryEngineSize
		engines = append(engines, xeEngineClassInstance{
			EngineClass:    uint16(payload[off]) | uint16(payload[off+1])<<8,
			EngineInstance: uint16(payload[off+2]) | uint16(payload[off+3])<<8,
			GTID:           uint16(payload[off+4]) | uint16(payload[off+5])<<8,
		})
	}
	return engines, nil
}

// classDisplayName maps an xe engine class to the label shown in the
// engine column.
func classDisplayName(class uint16) string {
	switch class {
	case xeEngineClassRender:
		return "Render/3D"
	case xeEngineClassCopy:
		return "Blitter"
	case xeEngineClassVideoDecode:
		return "Video"
	case xeEngineClassVideoEnhance:
		return "VideoEnhance"
	case xeEngineClassCompute:
		return "Compute"
	default:
		return "[unknown]"
	}
}
