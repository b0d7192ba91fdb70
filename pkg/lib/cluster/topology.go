package cluster

import (
	"fmt"
	"path/filepath"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
)

// Topology is the fixed two-node cluster: one node initializing it, one joining it.
type Topology struct {
	Init lib.NodeSpec
	Join lib.NodeSpec
}

// DefaultTopology is the local test scenario with logs and data under dir.
func DefaultTopology(dir string) Topology {
	return Topology{
		Init: lib.NodeSpec{
			Name:       "n1",
			Role:       lib.RoleInit,
			ListenAddr: "127.0.0.1:6379",
			PeerAddr:   "127.0.0.1:16379",
			LogPath:    filepath.Join(dir, "n1.log"),
			DataDir:    filepath.Join(dir, "n1.data"),
		},
		Join: lib.NodeSpec{
			Name:       "n2",
			Role:       lib.RoleJoin,
			ListenAddr: "127.0.0.1:6378",
			PeerAddr:   "127.0.0.1:16378",
			SeedAddr:   "127.0.0.1:16379",
			LogPath:    filepath.Join(dir, "n2.log"),
			DataDir:    filepath.Join(dir, "n2.data"),
		},
	}
}

// Seeded returns the topology with the join node seeded from the init node's peer address.
func (topo Topology) Seeded() Topology {
	topo.Join.SeedAddr = topo.Init.PeerAddr
	return topo
}

// Nodes lists the nodes in launch order.
func (topo Topology) Nodes() []lib.NodeSpec {
	return []lib.NodeSpec{topo.Init, topo.Join}
}

// Validate checks both specs and that the two nodes do not collide.
func (topo Topology) Validate() error {
	if topo.Init.Role != lib.RoleInit {
		return fmt.Errorf("%w: first node %s must have role %s", lib.ErrInvalidSpec, topo.Init.Name, lib.RoleInit)
	}
	if topo.Join.Role != lib.RoleJoin {
		return fmt.Errorf("%w: second node %s must have role %s", lib.ErrInvalidSpec, topo.Join.Name, lib.RoleJoin)
	}
	for _, spec := range topo.Nodes() {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	if topo.Init.Name == topo.Join.Name {
		return fmt.Errorf("%w: duplicate node name %s", lib.ErrInvalidSpec, topo.Init.Name)
	}
	if filepath.Clean(topo.Init.LogPath) == filepath.Clean(topo.Join.LogPath) {
		return fmt.Errorf("%w: nodes share log destination %s", lib.ErrInvalidSpec, topo.Init.LogPath)
	}
	if topo.Init.DataDir != "" && filepath.Clean(topo.Init.DataDir) == filepath.Clean(topo.Join.DataDir) {
		return fmt.Errorf("%w: nodes share data directory %s", lib.ErrInvalidSpec, topo.Init.DataDir)
	}

	seen := make(map[string]string)
	for _, spec := range topo.Nodes() {
		for _, addr := range []string{spec.ListenAddr, spec.PeerAddr} {
			if owner, dup := seen[addr]; dup {
				return fmt.Errorf("%w: address %s used by %s and %s", lib.ErrInvalidSpec, addr, owner, spec.Name)
			}
			seen[addr] = spec.Name
		}
	}
	return nil
}
