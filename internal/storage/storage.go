package storage

import "context"

// Storage keeps rendered artifacts under an object path inside one bucket.
type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	ShutDown(ctx context.Context)
}
