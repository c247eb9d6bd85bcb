package service

import (
	"sync"

	"github.com/playingpack/playingpack/internal/domain/entity"
)

// SettingsStore holds the hot-swappable runtime knobs. Settings are
// read-mostly; each request takes one snapshot up front and never re-reads
// mid-flight.
type SettingsStore struct {
	mu sync.RWMutex
	s  entity.Settings
}

// NewSettingsStore creates a store with the given initial settings.
func NewSettingsStore(initial entity.Settings) *SettingsStore {
	return &SettingsStore{s: initial}
}

// Snapshot returns the current settings by value.
func (st *SettingsStore) Snapshot() entity.Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	Cache     *entity.CacheMode `json:"cache,omitempty"`
	Intervene *bool             `json:"intervene,omitempty"`
	Upstream  *string           `json:"upstream,omitempty"`
}

// Apply merges the patch and returns the resulting settings. Invalid
// cache modes are ignored.
func (st *SettingsStore) Apply(p SettingsPatch) entity.Settings {
	st.mu.Lock()
	defer st.mu.Unlock()

	if p.Cache != nil && p.Cache.Valid() {
		st.s.Cache = *p.Cache
	}
	if p.Intervene != nil {
		st.s.Intervene = *p.Intervene
	}
	if p.Upstream != nil && *p.Upstream != "" {
		st.s.Upstream = *p.Upstream
	}
	return st.s
}

// Replace swaps the settings wholesale (config hot reload).
func (st *SettingsStore) Replace(s entity.Settings) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !s.Cache.Valid() {
		s.Cache = st.s.Cache
	}
	st.s = s
}
