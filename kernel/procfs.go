package kernel

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blacktop/go-svm/scan"
)

// KernelImage is the module name under which the core kernel text is
// reported.
const KernelImage = "vmlinux"

// Procfs implements Introspector on top of the Linux proc filesystem.
type Procfs struct {
	root string
}

// NewProcfs returns an introspector reading from root, normally "/proc".
func NewProcfs(root string) *Procfs {
	if root == "" {
		root = "/proc"
	}
	return &Procfs{root: root}
}

func (p *Procfs) path(elem ...string) string {
	return filepath.Join(append([]string{p.root}, elem...)...)
}

func (p *Procfs) Version() string {
	rel, err := os.ReadFile(p.path("sys", "kernel", "osrelease"))
	if err != nil {
		return "linux/procfs-v1"
	}
	return "linux-" + strings.TrimSpace(string(rel)) + "/procfs-v1"
}

// Module looks name up in /proc/modules, or in /proc/kallsyms for the core
// kernel image. Addresses read as zero without CAP_SYSLOG.
func (p *Procfs) Module(name string) (Module, error) {
	if name == KernelImage {
		return p.kernelText()
	}
	f, err := os.Open(p.path("modules"))
	if err != nil {
		return Module{}, err
	}
	defer f.Close()

	// name size refcount deps state address
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 6 || fields[0] != name {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Module{}, fmt.Errorf("kernel: bad size for module %s: %w", name, err)
		}
		base, err := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)
		if err != nil {
			return Module{}, fmt.Errorf("kernel: bad address for module %s: %w", name, err)
		}
		return Module{Name: name, Base: base, Size: size}, nil
	}
	if err := s.Err(); err != nil {
		return Module{}, err
	}
	return Module{}, fmt.Errorf("%w: module %s", ErrNotFound, name)
}

func (p *Procfs) kernelText() (Module, error) {
	f, err := os.Open(p.path("kallsyms"))
	if err != nil {
		return Module{}, err
	}
	defer f.Close()

	var start, end uint64
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[2] {
		case "_stext", "_etext":
		default:
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return Module{}, fmt.Errorf("kernel: bad kallsyms line %q: %w", s.Text(), err)
		}
		if fields[2] == "_stext" {
			start = addr
		} else {
			end = addr
		}
	}
	if err := s.Err(); err != nil {
		return Module{}, err
	}
	if start == 0 || end <= start {
		return Module{}, fmt.Errorf("%w: kernel text bounds", ErrNotFound)
	}
	return Module{Name: KernelImage, Base: start, Size: end - start}, nil
}

// ModuleFromAddress walks /proc/<pid>/maps for the file mapping containing
// addr and returns the full extent of that file's mappings.
func (p *Procfs) ModuleFromAddress(pid int, addr uint64) (Module, error) {
	f, err := os.Open(p.path(strconv.Itoa(pid), "maps"))
	if err != nil {
		return Module{}, err
	}
	defer f.Close()

	type extent struct{ lo, hi uint64 }
	var (
		files = make(map[string]*extent)
		hit   string
	)
	s := bufio.NewScanner(f)
	for s.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(s.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		lo, hi, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}
		path := fields[5]
		e, seen := files[path]
		if !seen {
			e = &extent{lo: start, hi: end}
			files[path] = e
		}
		e.lo, e.hi = min(e.lo, start), max(e.hi, end)
		if scan.IsInsideRange(addr, start, end-start) {
			hit = path
		}
	}
	if err := s.Err(); err != nil {
		return Module{}, err
	}
	if hit == "" {
		return Module{}, fmt.Errorf("%w: no image at %#x in pid %d", ErrNotFound, addr, pid)
	}
	e := files[hit]
	return Module{Name: filepath.Base(hit), Base: e.lo, Size: e.hi - e.lo}, nil
}

// ProcessID scans /proc/<pid>/comm. Names longer than 15 bytes are
// compared on their truncated form, as the kernel stores them.
func (p *Procfs) ProcessID(name string) (int, error) {
	if len(name) > 15 {
		name = name[:15]
	}
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(p.path(e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%w: process %s", ErrNotFound, name)
}

func (p *Procfs) ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(p.path(strconv.Itoa(pid)))
	return err == nil
}
