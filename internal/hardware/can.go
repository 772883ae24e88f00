package hardware

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"carshare-box/internal/logger"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"
)

// struct can_frame: id(4) len(1) pad res0 len8_dlc data(8)
const canFrameSize = 16

const canEFFFlag = 0x80000000

// SocketCAN is a raw CAN_RAW socket bound to one interface.
type SocketCAN struct {
	iface  string
	fd     int
	logger *logger.Logger

	wmu sync.Mutex
}

// OpenSocketCAN binds a raw socket to iface. Reads time out every
// readTimeout so the receive loop can observe cancellation.
func OpenSocketCAN(iface string, readTimeout time.Duration, l *logger.Logger) (*SocketCAN, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to find CAN interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to open CAN socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind CAN socket to %s: %w", iface, err)
	}

	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set CAN read timeout: %w", err)
	}

	l.Infof("Opened CAN interface %s", iface)
	return &SocketCAN{iface: iface, fd: fd, logger: l}, nil
}

func encodeFrame(f types.CANFrame) []byte {
	buf := make([]byte, canFrameSize)
	id := f.ID
	if id > 0x7ff {
		id |= canEFFFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:])
	return buf
}

func decodeFrame(buf []byte) (types.CANFrame, error) {
	if len(buf) < canFrameSize {
		return types.CANFrame{}, fmt.Errorf("short CAN frame: %d bytes", len(buf))
	}
	var f types.CANFrame
	f.ID = binary.LittleEndian.Uint32(buf[0:4]) & unix.CAN_EFF_MASK
	f.Len = buf[4]
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], buf[8:16])
	return f, nil
}

// Send writes one frame. The socket send timeout is taken from ctx's
// deadline when it has one.
func (s *SocketCAN) Send(ctx context.Context, f types.CANFrame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		tv := unix.NsecToTimeval(remaining.Nanoseconds())
		if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return fmt.Errorf("failed to set CAN send timeout: %w", err)
		}
	}

	n, err := unix.Write(s.fd, encodeFrame(f))
	if err != nil {
		return fmt.Errorf("CAN write on %s: %w", s.iface, err)
	}
	if n != canFrameSize {
		return fmt.Errorf("CAN write on %s: short write %d", s.iface, n)
	}
	return nil
}

// Receive blocks until a frame arrives. A read timeout surfaces as
// vehicle.ErrNoFrame.
func (s *SocketCAN) Receive(ctx context.Context) (types.CANFrame, error) {
	if err := ctx.Err(); err != nil {
		return types.CANFrame{}, err
	}
	buf := make([]byte, canFrameSize)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return types.CANFrame{}, vehicle.ErrNoFrame
		}
		return types.CANFrame{}, fmt.Errorf("CAN read on %s: %w", s.iface, err)
	}
	return decodeFrame(buf[:n])
}

func (s *SocketCAN) Close() error {
	return unix.Close(s.fd)
}
