package native

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// msrFD returns the msr device of the current processor.
func (m *Machine) msrFD() (int, error) {
	core := m.CurrentProcessor()
	if core < 0 {
		return -1, fmt.Errorf("native: getcpu failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd, ok := m.msrFDs[core]; ok {
		return fd, nil
	}
	fd, err := unix.Open(m.path("dev", "cpu", strconv.Itoa(core), "msr"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("native: open msr device of cpu %d (is the msr module loaded?): %w", core, err)
	}
	m.msrFDs[core] = fd
	return fd, nil
}

// ReadMSR implements cpu.Prober for the processor the thread is pinned to.
func (m *Machine) ReadMSR(msr uint32) (uint64, error) {
	fd, err := m.msrFD()
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if n, err := unix.Pread(fd, buf[:], int64(msr)); err != nil || n != len(buf) {
		return 0, fmt.Errorf("native: rdmsr %#x: %v", msr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteMSR implements cpu.MSRWriter.
func (m *Machine) WriteMSR(msr uint32, value uint64) error {
	fd, err := m.msrFD()
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if n, err := unix.Pwrite(fd, buf[:], int64(msr)); err != nil || n != len(buf) {
		return fmt.Errorf("native: wrmsr %#x: %v", msr, err)
	}
	return nil
}
