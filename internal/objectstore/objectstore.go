// Package objectstore lists, downloads and uploads resume documents, from S3
// or from a local directory.
package objectstore

import (
	"context"
	"path"
	"strings"
)

// Store is a source of resume documents.
type Store interface {
	// Bucket names the container recorded as provenance.
	Bucket() string
	// List returns up to max keys under prefix accepted by keep. max <= 0
	// means no limit. Keys are returned in listing order.
	List(ctx context.Context, prefix string, max int, keep func(key string) bool) ([]string, error)
	// Download copies the object to dir and returns the local path.
	Download(ctx context.Context, key, dir string) (string, error)
	// Upload stores the local file under key.
	Upload(ctx context.Context, localPath, key string) error
}

func joinKey(prefix, key string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	k := strings.TrimLeft(key, "/")
	if p == "" {
		return k
	}
	if k == "" {
		return p
	}
	return p + "/" + k
}

// localName is the base file name used for a downloaded key.
func localName(key string) string {
	name := path.Base(key)
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}
