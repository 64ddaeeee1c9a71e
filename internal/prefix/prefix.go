// Package prefix assigns and releases the short per-(space,server) string
// used to build qualified feature names.
package prefix

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

type key struct {
	SpaceID  string
	ServerID string
}

// Cache maintains (space_id, server_id) -> prefix and its reverse.
// Release on disconnect removes the mapping but does not recycle the
// string into a pool for reuse by another server; reconnecting the same
// server reuses its prior prefix if still free.
type Cache struct {
	mu        sync.Mutex
	byServer  map[key]string
	byPrefix  map[string]key // space-scoped: key includes SpaceID so the map is global but lookups always pass SpaceID too
}

func New() *Cache {
	return &Cache{
		byServer: make(map[key]string),
		byPrefix: make(map[string]key),
	}
}

// Assign returns the existing prefix for (spaceID, serverID) if one is
// already held, otherwise assigns a fresh one: normalized alias if free,
// else alias-with-short-hash suffix, else a deterministic fallback.
func (c *Cache) Assign(spaceID, serverID, alias string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{spaceID, serverID}
	if p, ok := c.byServer[k]; ok {
		return p
	}

	normalized := normalize(alias)
	candidate := normalized
	if !c.freeLocked(spaceID, candidate) {
		candidate = normalized + "-" + shortHash(serverID)
	}
	if !c.freeLocked(spaceID, candidate) {
		candidate = "srv-" + shortHash(spaceID+"/"+serverID)
	}

	c.byServer[k] = candidate
	c.byPrefix[spacedKey(spaceID, candidate)] = k
	return candidate
}

// Release drops the mapping for (spaceID, serverID) without returning the
// string to circulation for another server.
func (c *Cache) Release(spaceID, serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{spaceID, serverID}
	if p, ok := c.byServer[k]; ok {
		delete(c.byPrefix, spacedKey(spaceID, p))
		delete(c.byServer, k)
	}
}

// Lookup resolves a prefix back to its (space_id, server_id) within the
// given space.
func (c *Cache) Lookup(spaceID, prefix string) (serverID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, found := c.byPrefix[spacedKey(spaceID, prefix)]
	if !found {
		return "", false
	}
	return k.ServerID, true
}

// PrefixFor returns the prefix currently assigned to (spaceID, serverID).
func (c *Cache) PrefixFor(spaceID, serverID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byServer[key{spaceID, serverID}]
	return p, ok
}

func (c *Cache) freeLocked(spaceID, candidate string) bool {
	_, taken := c.byPrefix[spacedKey(spaceID, candidate)]
	return !taken
}

func spacedKey(spaceID, prefix string) string { return spaceID + "\x00" + prefix }

// normalize forbids the qualified-name delimiter inside a prefix.
func normalize(alias string) string {
	alias = strings.ToLower(strings.TrimSpace(alias))
	alias = strings.ReplaceAll(alias, "_", "-")
	if alias == "" {
		return "srv"
	}
	return alias
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:6]
}

// QualifiedName builds "<prefix>_<feature_name>".
func QualifiedName(prefix, featureName string) string {
	return fmt.Sprintf("%s_%s", prefix, featureName)
}

// SplitQualifiedName parses "<prefix>_<feature_name>" back into its parts.
// The prefix never contains '_', so the first underscore is the delimiter.
func SplitQualifiedName(qualified string) (prefix, featureName string, ok bool) {
	idx := strings.Index(qualified, "_")
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+1:], true
}
