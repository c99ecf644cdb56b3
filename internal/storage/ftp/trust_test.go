package ftp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

func TestTrustStore(t *testing.T) {
	t.Parallel()

	first, err := generateSelfSigned("first", time.Hour)
	require.NoError(t, err)
	second, err := generateSelfSigned("second", time.Hour)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "certs", "trusted.json")
	store, err := LoadTrustStore(path, nil)
	require.NoError(t, err)
	assert.Empty(t, store.Trusted())

	t.Run("first use pins", func(t *testing.T) {
		require.NoError(t, store.Verify("ftp.example.com:21", first.Certificate[0]))
		trusted := store.Trusted()
		require.Contains(t, trusted, "ftp.example.com:21")
		assert.Equal(t, Fingerprint(first.Certificate[0]), trusted["ftp.example.com:21"].Fingerprint)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("same certificate passes", func(t *testing.T) {
		assert.NoError(t, store.Verify("ftp.example.com:21", first.Certificate[0]))
	})

	t.Run("changed certificate is rejected", func(t *testing.T) {
		err := store.Verify("ftp.example.com:21", second.Certificate[0])
		assert.True(t, errors.IsCode(err, errors.ErrCodeCertificateChange))
	})

	t.Run("pins are per host and port", func(t *testing.T) {
		assert.NoError(t, store.Verify("ftp.example.com:990", second.Certificate[0]))
	})

	t.Run("pins survive reload", func(t *testing.T) {
		reloaded, err := LoadTrustStore(path, nil)
		require.NoError(t, err)
		assert.Len(t, reloaded.Trusted(), 2)
		err = reloaded.Verify("ftp.example.com:21", second.Certificate[0])
		assert.True(t, errors.IsCode(err, errors.ErrCodeCertificateChange))
	})

	t.Run("remove forgets the pin", func(t *testing.T) {
		require.NoError(t, store.Remove("ftp.example.com:21"))
		assert.NoError(t, store.Verify("ftp.example.com:21", second.Certificate[0]))
	})
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	fp := Fingerprint([]byte("abc"))
	assert.Equal(t, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD", fp)
}

func TestLoadTrustStore_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trusted.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := LoadTrustStore(path, nil)
	assert.Error(t, err)
}
