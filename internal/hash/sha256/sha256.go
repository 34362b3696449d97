// Package sha256 provides content hashes and strategy signatures.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signature derives the stable identity of a strategy definition. Keywords are
// normalized so that ordering and case do not produce distinct patterns.
func Signature(def crawler.StrategyDefinition) (string, error) {
	norm := def
	norm.URLTemplate = strings.TrimSpace(def.URLTemplate)
	norm.SearchQuery = strings.Join(strings.Fields(strings.ToLower(def.SearchQuery)), " ")
	norm.LinkKeywords = make([]string, 0, len(def.LinkKeywords))
	for _, kw := range def.LinkKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && !slices.Contains(norm.LinkKeywords, kw) {
			norm.LinkKeywords = append(norm.LinkKeywords, kw)
		}
	}
	slices.Sort(norm.LinkKeywords)
	raw, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("marshal strategy definition: %w", err)
	}
	return Sum(raw), nil
}

// BlobPath lays out content-addressed objects as prefix/ab/abcdef...ext.
func BlobPath(prefix, hash, ext string) string {
	shard := hash
	if len(hash) > 2 {
		shard = hash[:2]
	}
	name := hash + ext
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(shard, name)
	}
	return path.Join(prefix, shard, name)
}
