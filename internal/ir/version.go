package ir

// Version constants for persisted formats and the engine.
const (
	// StateFormatVersion is the version of the on-disk state file layout.
	StateFormatVersion = 1

	// EngineVersion is the Synchrony engine version.
	EngineVersion = "0.1.0"
)
