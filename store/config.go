package store

// Config holds table layout shared by the maintainers.
type Config struct {
	// IndexTable holds lookup rows.
	// Default: "rowsaga_index"
	IndexTable string

	// UniqueTable holds uniqueness claim rows.
	// Default: "rowsaga_unique"
	UniqueTable string

	// InconsistencyTable holds recorded compensation failures.
	// Default: "rowsaga_inconsistencies"
	InconsistencyTable string

	// NumShards spreads unscoped lookup rows over several partitions.
	// Default: 1
	// Max: 256
	NumShards int

	// ConflictRetries bounds how often a maintainer retries its own
	// read-modify-write after a version conflict.
	// Default: 5
	ConflictRetries int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		IndexTable:         "rowsaga_index",
		UniqueTable:        "rowsaga_unique",
		InconsistencyTable: "rowsaga_inconsistencies",
		NumShards:          1,
		ConflictRetries:    5,
	}
}

// Normalize returns a copy with empty fields defaulted and bounds clamped.
func (c Config) Normalize() Config {
	c.validate()
	return c
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.IndexTable == "" {
		c.IndexTable = d.IndexTable
	}
	if c.UniqueTable == "" {
		c.UniqueTable = d.UniqueTable
	}
	if c.InconsistencyTable == "" {
		c.InconsistencyTable = d.InconsistencyTable
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
	if c.ConflictRetries == 0 {
		c.ConflictRetries = d.ConflictRetries
	}
}
