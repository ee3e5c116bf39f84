// Package artifacts implements the per-operation encrypted object
// store: a fresh symmetric key per write, artifacts
// encrypted under it, the key itself ECIES-sealed to the grantee's
// derived server identity, and a bbolt-backed metadata sidecar.
package artifacts

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/chainid"
	"github.com/vana-com/personal-server/pkg/eciesx"
	"github.com/vana-com/personal-server/pkg/metrics"
	"github.com/vana-com/personal-server/pkg/sandbox"
)

var metadataBucket = []byte("artifact_metadata")

// ArtifactMeta describes one persisted artifact.
type ArtifactMeta struct {
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	ContentType     string `json:"content_type"`
	ChecksumSHA256  string `json:"checksum_sha256"`
	Path            string `json:"path"`
}

// Metadata is the per-operation sidecar persisted alongside encrypted
// bytes.
type Metadata struct {
	OperationID          string         `json:"operation_id"`
	GrantorAddress       string         `json:"grantor_address"`
	GranteeAddress       string         `json:"grantee_address"`
	CreatedAt            time.Time      `json:"created_at"`
	ExpiresAt            time.Time      `json:"expires_at"`
	EncryptedPayloadKey  string         `json:"encrypted_payload_key"`
	Artifacts            []ArtifactMeta `json:"artifacts"`
}

// Backend persists and retrieves encrypted artifact bytes. LocalBackend
// is the default fallback; RemoteBackend (remote.go) wraps cloud
// object storage when configured.
type Backend interface {
	Put(operationID, name string, ciphertext []byte) error
	Get(operationID, name string) ([]byte, error)
}

// Store is the artifact store: a Backend for bytes, a bbolt metadata
// sidecar, and the server-identity deriver whose key for the grantee
// address unseals payload keys on read.
type Store struct {
	backend  Backend
	db       *bolt.DB
	deriver  *chainid.Deriver
	expireIn time.Duration
}

// New opens (creating if absent) a bbolt database at metaDBPath for
// metadata, using backend for artifact bytes.
func New(backend Backend, metaDBPath string, deriver *chainid.Deriver, expireIn time.Duration) (*Store, error) {
	db, err := bolt.Open(metaDBPath, 0o600, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to open artifact metadata database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperrors.New(apperrors.KindInternal, "failed to create artifact metadata bucket", err)
	}
	if expireIn <= 0 {
		expireIn = 30 * 24 * time.Hour
	}
	return &Store{backend: backend, db: db, deriver: deriver, expireIn: expireIn}, nil
}

// Close releases the metadata database handle.
func (s *Store) Close() error { return s.db.Close() }

// StoreArtifacts writes sandbox.Artifact outputs for operationID,
// encrypting each under a fresh symmetric key that is itself
// ECIES-sealed to granteeAddress's derived server identity. The
// plaintext key is zeroized before return.
func (s *Store) StoreArtifacts(operationID, grantorAddress, granteeAddress string, items []sandbox.Artifact) (*Metadata, error) {
	key, err := eciesx.NewPayloadKey()
	if err != nil {
		return nil, err
	}
	defer zero(key)

	metas := make([]ArtifactMeta, 0, len(items))
	for _, item := range items {
		ciphertext, err := encryptArtifact(key, item.Bytes)
		if err != nil {
			return nil, err
		}
		if err := s.backend.Put(operationID, item.RelativePath, ciphertext); err != nil {
			return nil, apperrors.New(apperrors.KindInternal, "failed to persist artifact bytes", err)
		}

		sum := sha256.Sum256(item.Bytes)
		metas = append(metas, ArtifactMeta{
			Name:           item.Name,
			Size:           item.Size,
			ContentType:    contentTypeFor(item.Name),
			ChecksumSHA256: hex.EncodeToString(sum[:]),
			Path:           item.RelativePath,
		})
		metrics.ArtifactsStoredTotal.Inc()
		metrics.ArtifactBytesStoredTotal.Add(float64(len(ciphertext)))
	}

	identity, err := s.deriver.Derive(granteeAddress)
	if err != nil {
		return nil, err
	}
	sealedKey, err := eciesx.SealEnvelope(key, identity.PublicKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	meta := &Metadata{
		OperationID:         operationID,
		GrantorAddress:      grantorAddress,
		GranteeAddress:      granteeAddress,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.expireIn),
		EncryptedPayloadKey: sealedKey,
		Artifacts:           metas,
	}
	if err := s.putMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// List returns operationID's artifact list without bytes.
// requesterAddress must be the recorded grantor or grantee
// (case-insensitive).
func (s *Store) List(operationID, requesterAddress string) ([]ArtifactMeta, error) {
	meta, err := s.authorizedMetadata(operationID, requesterAddress)
	if err != nil {
		return nil, err
	}
	return meta.Artifacts, nil
}

// Download resolves, authorizes, and decrypts artifactPath for
// operationID.
func (s *Store) Download(operationID, artifactPath, requesterAddress string) ([]byte, string, error) {
	meta, err := s.authorizedMetadata(operationID, requesterAddress)
	if err != nil {
		return nil, "", err
	}

	var found *ArtifactMeta
	for i := range meta.Artifacts {
		if meta.Artifacts[i].Path == artifactPath {
			found = &meta.Artifacts[i]
			break
		}
	}
	if found == nil {
		return nil, "", apperrors.New(apperrors.KindNotFound, "artifact not found", nil)
	}

	ciphertext, err := s.backend.Get(operationID, artifactPath)
	if err != nil {
		return nil, "", apperrors.New(apperrors.KindNotFound, "artifact bytes not found", err)
	}

	identity, err := s.deriver.Derive(meta.GranteeAddress)
	if err != nil {
		return nil, "", err
	}
	key, err := eciesx.DecryptEnvelope(meta.EncryptedPayloadKey, identity.PrivateKey)
	if err != nil {
		return nil, "", err
	}
	defer zero(key)

	plaintext, err := decryptArtifact(key, ciphertext)
	if err != nil {
		return nil, "", err
	}
	return plaintext, found.ContentType, nil
}

// authorizedMetadata resolves operationID's metadata and checks that
// requesterAddress is either the grantor or grantee of record, and
// that the record has not expired.
func (s *Store) authorizedMetadata(operationID, requesterAddress string) (*Metadata, error) {
	meta, err := s.getMetadata(operationID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(meta.ExpiresAt) {
		return nil, apperrors.New(apperrors.KindNotFound, "artifact metadata has expired", nil)
	}
	if !strings.EqualFold(requesterAddress, meta.GrantorAddress) && !strings.EqualFold(requesterAddress, meta.GranteeAddress) {
		return nil, apperrors.New(apperrors.KindAuthorization, "requester is neither the grantor nor the grantee", nil)
	}
	return meta, nil
}

func (s *Store) putMetadata(meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "failed to marshal artifact metadata", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(meta.OperationID), data)
	})
}

func (s *Store) getMetadata(operationID string) (*Metadata, error) {
	var meta Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get([]byte(operationID))
		if data == nil {
			return apperrors.New(apperrors.KindNotFound, "no artifacts recorded for this operation", nil)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// encryptArtifact seals plaintext under key with AES-256-GCM,
// prepending the nonce.
func encryptArtifact(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to build artifact cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to build artifact GCM mode", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "failed to generate artifact nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptArtifact(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.New(apperrors.KindDecryption, "failed to build artifact cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.New(apperrors.KindDecryption, "failed to build artifact GCM mode", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, apperrors.New(apperrors.KindDecryption, "artifact ciphertext too short", nil)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.KindDecryption, "artifact authentication failed", err)
	}
	return plaintext, nil
}

func contentTypeFor(name string) string {
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		return "application/octet-stream"
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
