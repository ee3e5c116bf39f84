package artifacts

import (
	"context"
	"io"

	"cloud.google.com/go/storage"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// RemoteBackend persists encrypted artifact bytes to a GCS bucket.
// When no bucket is configured, the caller wires LocalBackend instead
// of this type, rather than this type running in a degraded no-op
// mode.
type RemoteBackend struct {
	client *storage.Client
	bucket string
}

// NewRemoteBackend creates a RemoteBackend writing to bucket, using
// application-default or explicitly configured GCP credentials.
func NewRemoteBackend(ctx context.Context, bucket string) (*RemoteBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to create GCS client", err)
	}
	return &RemoteBackend{client: client, bucket: bucket}, nil
}

// Close releases the underlying GCS client.
func (b *RemoteBackend) Close() error { return b.client.Close() }

func (b *RemoteBackend) objectName(operationID, name string) string {
	return "operations/" + operationID + "/artifacts/" + name
}

// Put uploads ciphertext to the conventional object key
// ("operations/<op_id>/artifacts/<name>").
func (b *RemoteBackend) Put(operationID, name string, ciphertext []byte) error {
	ctx := context.Background()
	obj := b.client.Bucket(b.bucket).Object(b.objectName(operationID, name))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(ciphertext); err != nil {
		_ = w.Close()
		return apperrors.New(apperrors.KindInternal, "failed to upload artifact to object storage", err)
	}
	if err := w.Close(); err != nil {
		return apperrors.New(apperrors.KindInternal, "failed to finalize artifact upload", err)
	}
	return nil
}

// Get downloads ciphertext from the conventional object key.
func (b *RemoteBackend) Get(operationID, name string) ([]byte, error) {
	ctx := context.Background()
	obj := b.client.Bucket(b.bucket).Object(b.objectName(operationID, name))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, apperrors.New(apperrors.KindNotFound, "artifact not found in object storage", err)
		}
		return nil, apperrors.New(apperrors.KindInternal, "failed to open artifact reader", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to read artifact bytes", err)
	}
	return data, nil
}
