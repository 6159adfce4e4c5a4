package keyring

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".keyring.enc")
	pass := []byte("correct horse battery staple")

	k := New()
	k.Set("dropbox.mclean", "token", "sl.abc123")
	k.Set("redcap.StudyA", "url", "https://redcap.example.org/api/")
	k.Set("redcap.StudyA", "token", "A1B2C3")

	require.NoError(t, k.Save(path, pass))

	// 0600: the keyring holds credentials
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	opened, err := Open(path, pass)
	require.NoError(t, err)

	token, err := opened.GetKey("dropbox.mclean", "token")
	require.NoError(t, err)
	assert.Equal(t, "sl.abc123", token)

	entry, err := opened.Get("redcap.StudyA")
	require.NoError(t, err)
	assert.Equal(t, "https://redcap.example.org/api/", entry["url"])
	assert.Equal(t, "A1B2C3", entry["token"])

	assert.Equal(t, []string{"dropbox.mclean", "redcap.StudyA"}, opened.Services())
}

func TestOpenWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".keyring.enc")

	k := New()
	k.Set("beiwe", "password", "hunter2")
	require.NoError(t, k.Save(path, []byte("right")))

	_, err := Open(path, []byte("wrong"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestOpenTamperedCiphertext(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".keyring.enc")

	k := New()
	k.Set("smtp", "password", "secret")
	require.NoError(t, k.Save(path, []byte("pass")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &env))
	env["ciphertext"] = "QUFBQQ=="
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	_, err = Open(path, []byte("pass"))
	require.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	k := New()

	_, err := k.Get("dropbox.unknown")
	require.Error(t, err)

	var notFound *ErrNotFound
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "dropbox.unknown", notFound.Service)
}

func TestGetReturnsCopy(t *testing.T) {
	k := New()
	k.Set("ssh", "key_path", "/home/lochness/.ssh/id_ed25519")

	entry, err := k.Get("ssh")
	require.NoError(t, err)
	entry["key_path"] = "mutated"

	again, err := k.GetKey("ssh", "key_path")
	require.NoError(t, err)
	assert.Equal(t, "/home/lochness/.ssh/id_ed25519", again)
}

func TestPassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnvVar, "from-env")
	pass, err := Passphrase()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), pass)
}
