package native

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blacktop/go-svm/cpu"
)

const (
	pageSize      = 0x1000
	hugePageSize  = 2 << 20
	pagemapPFN    = 1<<55 - 1
	pagemapExists = 1 << 63
	contigRetries = 8
)

// ErrFramesHidden is returned when pagemap reports zero frame numbers,
// which the kernel does for callers without CAP_SYS_ADMIN.
var ErrFramesHidden = errors.New("native: pagemap hides physical frames")

// mapping is a locked anonymous mapping. data spans the whole mapping and
// is what gets unmapped; the caller sees only the first n bytes.
type mapping struct {
	data []byte
	n    int
	phys uint64
}

func (mp mapping) bytes() []byte {
	return mp.data[:mp.n:mp.n]
}

func (mp mapping) release() error {
	if err := unix.Munlock(mp.data); err != nil {
		return err
	}
	return unix.Munmap(mp.data)
}

// Alloc implements cpu.Memory. Single pages come from an anonymous
// mapping. Larger blocks must be physically contiguous and are retried a
// few times before falling back to a huge page.
func (m *Machine) Alloc(pages int) (cpu.Block, error) {
	if pages <= 0 {
		return cpu.Block{}, fmt.Errorf("native: allocate %d pages", pages)
	}
	size := pages * pageSize
	for i := 0; i < contigRetries; i++ {
		mp, contiguous, err := m.mapLocked(size, 0)
		if err != nil {
			return cpu.Block{}, err
		}
		if contiguous {
			return m.track(mp), nil
		}
		_ = mp.release()
		if pages == 1 {
			break
		}
	}
	if size > hugePageSize {
		return cpu.Block{}, fmt.Errorf("native: no contiguous run of %d pages", pages)
	}
	mp, contiguous, err := m.mapLocked(hugePageSize, unix.MAP_HUGETLB)
	if err != nil {
		return cpu.Block{}, fmt.Errorf("native: huge page fallback: %w", err)
	}
	if !contiguous {
		_ = mp.release()
		return cpu.Block{}, fmt.Errorf("native: huge page not contiguous")
	}
	mp.n = size
	return m.track(mp), nil
}

func (m *Machine) track(mp mapping) cpu.Block {
	m.mu.Lock()
	m.blocks[mp.phys] = mp
	m.mu.Unlock()
	return cpu.Block{Bytes: mp.bytes(), Phys: mp.phys}
}

// mapLocked maps, populates and locks size bytes and resolves their frames.
func (m *Machine) mapLocked(size, flags int) (mapping, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|flags)
	if err != nil {
		return mapping{}, false, fmt.Errorf("native: mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return mapping{}, false, fmt.Errorf("native: mlock: %w", err)
	}
	mp := mapping{data: data, n: size}
	frames, err := m.frames(uintptr(unsafe.Pointer(&data[0])), size/pageSize)
	if err != nil {
		_ = mp.release()
		return mapping{}, false, err
	}
	mp.phys = frames[0]
	for i, f := range frames {
		if f != mp.phys+uint64(i)*pageSize {
			return mp, false, nil
		}
	}
	return mp, true, nil
}

// frames returns the physical address of each page starting at va.
func (m *Machine) frames(va uintptr, pages int) ([]uint64, error) {
	f, err := os.Open(m.path("proc", "self", "pagemap"))
	if err != nil {
		return nil, fmt.Errorf("native: open pagemap: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 8*pages)
	if _, err := f.ReadAt(buf, int64(va/pageSize)*8); err != nil {
		return nil, fmt.Errorf("native: read pagemap: %w", err)
	}
	out := make([]uint64, pages)
	for i := range out {
		e := binary.LittleEndian.Uint64(buf[i*8:])
		if e&pagemapExists == 0 {
			return nil, fmt.Errorf("native: page %#x not resident", va+uintptr(i)*pageSize)
		}
		pfn := e & pagemapPFN
		if pfn == 0 {
			return nil, ErrFramesHidden
		}
		out[i] = pfn * pageSize
	}
	return out, nil
}

// Free implements cpu.Memory.
func (m *Machine) Free(b cpu.Block) error {
	m.mu.Lock()
	mp, ok := m.blocks[b.Phys]
	delete(m.blocks, b.Phys)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: free of unknown block %#x", b.Phys)
	}
	return mp.release()
}

// PhysicalMemoryTop implements cpu.Platform from the System RAM ranges of
// /proc/iomem.
func (m *Machine) PhysicalMemoryTop() (uint64, error) {
	f, err := os.Open(m.path("proc", "iomem"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseIOMem(f)
}

func parseIOMem(r io.Reader) (uint64, error) {
	var top uint64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, " ") {
			continue
		}
		rng, name, ok := strings.Cut(line, " : ")
		if !ok || strings.TrimSpace(name) != "System RAM" {
			continue
		}
		_, end, ok := strings.Cut(rng, "-")
		if !ok {
			continue
		}
		e, err := strconv.ParseUint(strings.TrimSpace(end), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("native: iomem range %q: %w", rng, err)
		}
		if e+1 > top {
			top = e + 1
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if top == 0 {
		return 0, errors.New("native: no System RAM in iomem (addresses hidden without CAP_SYS_ADMIN)")
	}
	return top, nil
}

// ReadPhys reads physical memory through /dev/mem.
func (m *Machine) ReadPhys(pa uint64, dst []byte) error {
	f, err := os.Open(m.path("dev", "mem"))
	if err != nil {
		return fmt.Errorf("native: open /dev/mem: %w", err)
	}
	defer f.Close()
	if _, err := f.ReadAt(dst, int64(pa)); err != nil {
		return fmt.Errorf("native: read phys %#x: %w", pa, err)
	}
	return nil
}
