package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zyztek/suna-sub004/pkg/models"
)

// schemaCachePrefix namespaces schema-cache keys in the broker.
const schemaCachePrefix = "mcp_schema:"

// Fingerprint returns a stable hash of the config fields that determine which
// tool catalog a server exposes. Volatile fields — headers, the enabled-tools
// filter, display name — are excluded so rotating an auth token or toggling a
// tool does not invalidate the cached catalog.
func Fingerprint(cfg models.MCPConfig) string {
	normalized := map[string]any{
		"qualified_name": cfg.QualifiedName,
		"transport":      cfg.Transport,
	}
	if len(cfg.Config) > 0 {
		normalized["config"] = cfg.Config
	}
	if cfg.ExternalUserID != "" {
		normalized["external_user_id"] = cfg.ExternalUserID
	}

	// json.Marshal sorts map keys, so equal configs hash equally.
	raw, err := json.Marshal(normalized)
	if err != nil {
		// Maps of JSON-decoded values always marshal; an unhashable config
		// falls back to its qualified name (cache still keyed, just coarser).
		return cfg.QualifiedName
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

func schemaCacheKey(cfg models.MCPConfig) string {
	return schemaCachePrefix + Fingerprint(cfg)
}
