package artifacts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vana-com/personal-server/pkg/apperrors"
	"github.com/vana-com/personal-server/pkg/chainid"
	"github.com/vana-com/personal-server/pkg/sandbox"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestStore(t *testing.T, expireIn time.Duration) *Store {
	t.Helper()
	deriver, err := chainid.NewDeriver(testMnemonic, "")
	require.NoError(t, err)

	backend := NewLocalBackend(t.TempDir())
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	store, err := New(backend, dbPath, deriver, expireIn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreArtifactsThenListAndDownloadRoundTrip(t *testing.T) {
	store := newTestStore(t, time.Hour)

	grantor := "0x1111111111111111111111111111111111111111"
	grantee := "0x2222222222222222222222222222222222222222"

	meta, err := store.StoreArtifacts("op-1", grantor, grantee, []sandbox.Artifact{
		{Name: "result.json", RelativePath: "out/result.json", Bytes: []byte(`{"ok":true}`), Size: 11},
	})
	require.NoError(t, err)
	require.Len(t, meta.Artifacts, 1)
	assert.Equal(t, "application/json", meta.Artifacts[0].ContentType)

	listed, err := store.List("op-1", grantee)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "out/result.json", listed[0].Path)

	plaintext, contentType, err := store.Download("op-1", "out/result.json", grantee)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(plaintext))
	assert.Equal(t, "application/json", contentType)
}

func TestListAllowsGrantorAsWellAsGrantee(t *testing.T) {
	store := newTestStore(t, time.Hour)

	grantor := "0x1111111111111111111111111111111111111111"
	grantee := "0x2222222222222222222222222222222222222222"
	_, err := store.StoreArtifacts("op-1", grantor, grantee, []sandbox.Artifact{
		{Name: "a.txt", RelativePath: "out/a.txt", Bytes: []byte("data"), Size: 4},
	})
	require.NoError(t, err)

	_, err = store.List("op-1", grantor)
	assert.NoError(t, err)
}

func TestListRejectsUnrelatedRequester(t *testing.T) {
	store := newTestStore(t, time.Hour)

	grantor := "0x1111111111111111111111111111111111111111"
	grantee := "0x2222222222222222222222222222222222222222"
	_, err := store.StoreArtifacts("op-1", grantor, grantee, []sandbox.Artifact{
		{Name: "a.txt", RelativePath: "out/a.txt", Bytes: []byte("data"), Size: 4},
	})
	require.NoError(t, err)

	_, err = store.List("op-1", "0x3333333333333333333333333333333333333333")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))
}

func TestListUnknownOperationReturnsNotFound(t *testing.T) {
	store := newTestStore(t, time.Hour)

	_, err := store.List("missing-op", "0x1111111111111111111111111111111111111111")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDownloadUnknownArtifactPathReturnsNotFound(t *testing.T) {
	store := newTestStore(t, time.Hour)

	grantor := "0x1111111111111111111111111111111111111111"
	grantee := "0x2222222222222222222222222222222222222222"
	_, err := store.StoreArtifacts("op-1", grantor, grantee, []sandbox.Artifact{
		{Name: "a.txt", RelativePath: "out/a.txt", Bytes: []byte("data"), Size: 4},
	})
	require.NoError(t, err)

	_, _, err = store.Download("op-1", "out/missing.txt", grantee)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestAuthorizedMetadataRejectsExpiredRecord(t *testing.T) {
	store := newTestStore(t, time.Nanosecond)

	grantor := "0x1111111111111111111111111111111111111111"
	grantee := "0x2222222222222222222222222222222222222222"
	_, err := store.StoreArtifacts("op-1", grantor, grantee, []sandbox.Artifact{
		{Name: "a.txt", RelativePath: "out/a.txt", Bytes: []byte("data"), Size: 4},
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	_, err = store.List("op-1", grantee)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}
