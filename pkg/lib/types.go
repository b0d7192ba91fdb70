package lib

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Role distinguishes the node that initializes a fresh cluster from nodes joining it.
type Role string

const (
	RoleInit Role = "init"
	RoleJoin Role = "join"
)

// ProcessState is the lifecycle of a spawned node process.
// Transitions only go forward: Starting -> Running -> Terminated.
type ProcessState int

const (
	ProcessStateUnspecified ProcessState = iota
	ProcessStateStarting
	ProcessStateRunning
	ProcessStateTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStateStarting:
		return "starting"
	case ProcessStateRunning:
		return "running"
	case ProcessStateTerminated:
		return "terminated"
	default:
		return "unspecified"
	}
}

// NodeSpec describes one node process. It is built once from configuration and never mutated.
type NodeSpec struct {
	Name       string
	Role       Role
	ListenAddr string
	PeerAddr   string
	// SeedAddr is the peer address of the init node; only set for RoleJoin.
	SeedAddr string
	LogPath  string
	DataDir  string
}

// Validate checks that the node can be handed to the launcher.
func (spec NodeSpec) Validate() error {
	if spec.Name == "" {
		return fmt.Errorf("%w: node name is required", ErrInvalidSpec)
	}
	switch spec.Role {
	case RoleInit, RoleJoin:
	default:
		return fmt.Errorf("%w: node %s: unknown role %q", ErrInvalidSpec, spec.Name, spec.Role)
	}
	if err := ValidateHostPort(spec.ListenAddr); err != nil {
		return fmt.Errorf("%w: node %s: listen address: %v", ErrInvalidSpec, spec.Name, err)
	}
	if err := ValidateHostPort(spec.PeerAddr); err != nil {
		return fmt.Errorf("%w: node %s: peer address: %v", ErrInvalidSpec, spec.Name, err)
	}
	if spec.Role == RoleJoin {
		if err := ValidateHostPort(spec.SeedAddr); err != nil {
			return fmt.Errorf("%w: node %s: seed address: %v", ErrInvalidSpec, spec.Name, err)
		}
	}
	if spec.LogPath == "" {
		return fmt.Errorf("%w: node %s: log path is required", ErrInvalidSpec, spec.Name)
	}
	return nil
}

// ValidateHostPort accepts "host:port" with a non-empty host and a port in 1..65535.
func ValidateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

// ProcessStatus captures runtime state and timestamps.
type ProcessStatus struct {
	State     ProcessState
	Pid       int
	ExitCode  *int
	StartTime time.Time
	EndTime   *time.Time
}

// LogLine is a single line read from a node's log destination.
type LogLine struct {
	Source string
	Text   string
	Time   time.Time
}
