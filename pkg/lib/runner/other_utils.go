//go:build !linux

package runner

import (
	"os"
	"syscall"
)

type SysProcAttr struct {
	File *os.File
	Raw  *syscall.SysProcAttr
}

type cgroup struct{}

func newCgroup(runID string) (*cgroup, error) {
	return nil, nil
}

func (cg *cgroup) kill() error {
	return nil
}

func (cg *cgroup) remove() error {
	return nil
}

func getSysProcAttr(pgid int, cg *cgroup) (*SysProcAttr, error) {
	return &SysProcAttr{
		File: nil,
		Raw: &syscall.SysProcAttr{
			// New process group to manage children as a unit
			Setpgid: true,
			Pgid:    pgid,
		}}, nil
}
