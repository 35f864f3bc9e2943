package timer

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// TimerFD is a Clock backed by a non-blocking CLOCK_MONOTONIC timerfd armed
// with absolute deadlines. Its descriptor is registered with epoll; readiness
// means the earliest deadline has passed.
type TimerFD struct {
	fd int
}

// NewTimerFD creates a disarmed timerfd.
func NewTimerFD() (*TimerFD, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return &TimerFD{fd: fd}, nil
}

// Fd returns the descriptor to watch for readiness.
func (c *TimerFD) Fd() int {
	return c.fd
}

// Now returns CLOCK_MONOTONIC in nanoseconds.
func (c *TimerFD) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// Arm sets the timerfd to fire once at deadline.
func (c *TimerFD) Arm(deadline int64) error {
	// a zero it_value disarms the timer
	if deadline <= 0 {
		deadline = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(deadline)}
	return unix.TimerfdSettime(c.fd, unix.TFD_TIMER_ABSTIME, &spec, nil)
}

// Disarm stops the timerfd.
func (c *TimerFD) Disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(c.fd, 0, &spec, nil)
}

// Consume reads the expiration count, returning 0 if the timer has not fired.
func (c *TimerFD) Consume() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("timerfd: short read %d", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (c *TimerFD) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
