//go:build linux

package runner

import (
	"os"
	"path/filepath"
	"syscall"
)

const (
	cgroupRoot = "/sys/fs/cgroup/clusterharness"
)

// SysProcAttr pairs the raw attributes with the cgroup directory they reference.
// File must be closed once the process has started.
type SysProcAttr struct {
	File *os.File
	Raw  *syscall.SysProcAttr
}

// cgroup is the per-run cgroup every node is placed in. It also catches descendants that
// moved to another process group.
type cgroup struct {
	path string
}

// newCgroup creates the run's cgroup. As non-root, this is a no-op and returns nil.
func newCgroup(runID string) (*cgroup, error) {
	if os.Geteuid() != 0 {
		return nil, nil
	}
	// cgroup.kill only exists on the unified (v2) hierarchy.
	if _, err := os.Stat(filepath.Join(filepath.Dir(cgroupRoot), "cgroup.controllers")); err != nil {
		return nil, nil
	}
	path := filepath.Join(cgroupRoot, runID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &cgroup{path: path}, nil
}

func (cg *cgroup) kill() error {
	return writeString(filepath.Join(cg.path, "cgroup.kill"), "1")
}

func (cg *cgroup) remove() error {
	return os.Remove(cg.path)
}

// getSysProcAttr puts the child in process group pgid, or in a new group led by the child
// when pgid is 0.
func getSysProcAttr(pgid int, cg *cgroup) (*SysProcAttr, error) {
	raw := &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgid,
	}
	if cg == nil {
		return &SysProcAttr{Raw: raw}, nil
	}

	cgroupFile, err := os.Open(cg.path)
	if err != nil {
		return nil, err
	}
	raw.UseCgroupFD = true
	raw.CgroupFD = int(cgroupFile.Fd())

	return &SysProcAttr{
		File: cgroupFile,
		Raw:  raw,
	}, nil
}

func writeString(path, val string) error {
	return os.WriteFile(path, []byte(val), 0644)
}
