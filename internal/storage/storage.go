package storage

import (
	"context"
	"io"
	"time"
)

// Uploader archives session transcripts. Uploads are best-effort at teardown;
// the durable copy in Postgres is authoritative.
type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

// Signer mints short-lived read URLs for archived transcripts. Objects are
// never public.
type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}
