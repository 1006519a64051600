package cache

import (
	root "github.com/nistoar/pdr-cachemgr"
)

// NamingPolicy maps an AIP-ID to the name it should be stored under within
// a volume with the given roles. The default delegates to the configured
// Restorer; composition over the source's inheritance chain
// (BasicCacheManager -> PDRCacheManager), per design note §9.
type NamingPolicy func(id root.AIPID, roles uint32) string

// PreferencePolicy computes the placement preference bitmask for id given
// its size, falling back to defaultPrefs when it has no opinion. The
// default delegates to the configured Restorer.
type PreferencePolicy func(id root.AIPID, size int64, defaultPrefs int) int
