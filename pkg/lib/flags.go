package lib

// NodeFlags names the command-line flags of the node binary.
// An empty flag name drops that argument from the command line.
type NodeFlags struct {
	ID      string
	Listen  string
	Peer    string
	DataDir string
	Seed    string
	// Init is appended as a positional argument for the init role.
	Init string
}

// DefaultNodeFlags is the flag set of the database node binary.
func DefaultNodeFlags() NodeFlags {
	return NodeFlags{
		ID:      "-n",
		Listen:  "-l",
		Peer:    "-f",
		DataDir: "-d",
		Seed:    "-s",
		Init:    "init",
	}
}

// Argv renders the node command line for spec.
func (flags NodeFlags) Argv(spec NodeSpec) []string {
	var args []string
	add := func(flag, value string) {
		if flag == "" || value == "" {
			return
		}
		args = append(args, flag, value)
	}

	add(flags.ID, spec.Name)
	add(flags.DataDir, spec.DataDir)
	add(flags.Listen, spec.ListenAddr)
	add(flags.Peer, spec.PeerAddr)

	switch spec.Role {
	case RoleJoin:
		add(flags.Seed, spec.SeedAddr)
	case RoleInit:
		if flags.Init != "" {
			args = append(args, flags.Init)
		}
	}
	return args
}
