package bdm

type openConfig struct {
	limits      Limits
	compression Compression
	stagingDir  string
}

type OpenOption func(*openConfig)

// WithLimits sets custom decode/save resource limits. Zero fields fall back
// to the defaults.
func WithLimits(l Limits) OpenOption {
	return func(c *openConfig) { c.limits = l }
}

// WithCompression selects the compression used for the data and info entries
// on save. The default is CompZSTD.
func WithCompression(comp Compression) OpenOption {
	return func(c *openConfig) { c.compression = comp }
}

// WithStagingDir places the session's staging area under dir instead of the
// system temporary directory.
func WithStagingDir(dir string) OpenOption {
	return func(c *openConfig) { c.stagingDir = dir }
}
