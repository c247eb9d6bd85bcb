package entity

// CacheMode controls whether the proxy reads and/or writes the cache.
type CacheMode string

const (
	CacheOff       CacheMode = "off"
	CacheRead      CacheMode = "read"       // Cache-only; misses fail with 404
	CacheReadWrite CacheMode = "read-write" // Replay hits, record misses
)

// Valid reports whether the mode is one of the three recognised values.
func (m CacheMode) Valid() bool {
	switch m {
	case CacheOff, CacheRead, CacheReadWrite:
		return true
	}
	return false
}

// Settings are the process-wide operator knobs. Readers take a snapshot
// per request; mutations go through the settings holder.
type Settings struct {
	Cache     CacheMode `json:"cache"`
	Intervene bool      `json:"intervene"`
	Upstream  string    `json:"upstream"`
}

// DefaultSettings returns the boot defaults.
func DefaultSettings() Settings {
	return Settings{
		Cache:     CacheReadWrite,
		Intervene: true,
		Upstream:  "https://api.openai.com",
	}
}
