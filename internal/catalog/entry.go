// Package catalog keeps the product catalog and its vector index in step
// with an external catalog source.
package catalog

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Entry is one product as the catalog source reports it. IDs are stable
// across source revisions.
type Entry struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// Hashes holds per-field content hashes used to detect drift.
type Hashes struct {
	Name        string
	Description string
	Price       string
}

// HashEntry computes the hex MD5 of each field.
func HashEntry(e Entry) Hashes {
	return Hashes{
		Name:        hashField(e.Name),
		Description: hashField(e.Description),
		Price:       hashField(e.Price),
	}
}

func hashField(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EmbedText is the text embedded for an entry.
func EmbedText(e Entry) string {
	return strings.TrimSpace(e.Name) + ". " + strings.TrimSpace(e.Description)
}
