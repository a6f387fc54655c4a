package sessionadapter

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// XDGPaths are the per-run XDG directory overrides handed to the agent
// process so concurrent runs never share a cache.
type XDGPaths struct {
	DataHome  string
	CacheHome string
	StateHome string
}

// isolatedXDG computes XDGPaths under root for (repo, cacheKey) if the
// caller didn't supply explicit overrides. The directory name is a short
// hash of the pair rather than the raw strings, since repo/cacheKey may
// contain path separators.
func isolatedXDG(root, repo, cacheKey string) XDGPaths {
	sum := sha256.Sum256([]byte(repo + "\x00" + cacheKey))
	slug := hex.EncodeToString(sum[:])[:16]
	base := filepath.Join(root, slug)
	return XDGPaths{
		DataHome:  filepath.Join(base, "data"),
		CacheHome: filepath.Join(base, "cache"),
		StateHome: filepath.Join(base, "state"),
	}
}

func (p XDGPaths) ensure() error {
	for _, dir := range []string{p.DataHome, p.CacheHome, p.StateHome} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (p XDGPaths) env() map[string]string {
	env := map[string]string{}
	if p.DataHome != "" {
		env["XDG_DATA_HOME"] = p.DataHome
	}
	if p.CacheHome != "" {
		env["XDG_CACHE_HOME"] = p.CacheHome
	}
	if p.StateHome != "" {
		env["XDG_STATE_HOME"] = p.StateHome
	}
	return env
}
