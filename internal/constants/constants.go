// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".gcscope"

	// DefaultSnapshotDatabase is the export database, relative to the home
	// directory.
	DefaultSnapshotDatabase = DefaultDir + "/" + "snapshots.duckdb"

	// DefaultGlobalsSymbol names the exported pointer to the runtime's
	// diagnostics globals block.
	DefaultGlobalsSymbol = "g_gcDacGlobals"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GCSCOPE_"

	// ConfigEnv overrides the base directory holding DefaultDir.
	ConfigEnv = "GCSCOPE_CONFIG"
)
