package protocol

// Directory and file constants used throughout loom.
const (
	// LoomDir is the user-level state directory (e.g., ~/.loom).
	LoomDir = ".loom"

	// SocketFile is the coordinator's UDS socket file name.
	SocketFile = "loom.sock"

	// StateDBFile is the coordinator's SQLite database file name.
	StateDBFile = "state.db"

	// RosterFile is the endpoint roster file name.
	RosterFile = "endpoints.yaml"

	// ConfigFile is the coordinator configuration file name.
	ConfigFile = "config.toml"
)
