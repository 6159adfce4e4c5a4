package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "lochness.yml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))
	return tmpFile
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `keyring_file: /var/lib/lochness/.keyring.enc
phoenix_root: /data/PHOENIX
stdout: /var/log/lochness.out
stderr: /var/log/lochness.err
poll_interval: 300
beiwe:
  backfill_start: "2021-01-01T00:00:00Z"
dropbox:
  mclean:
    delete_on_success: true
    base: /lochness
  harvard:
    base: /incoming
redcap:
  StudyA:
    deidentify: true
admins:
  - admin@example.org
notify:
  StudyA:
    - studya-team@example.org
  __global__:
    - ops@example.org
sender: lochness@example.org
ssh_user: lochness
ssh_host: transfer.example.org
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/lochness/.keyring.enc", cfg.KeyringFile)
	assert.Equal(t, "/data/PHOENIX", cfg.PhoenixRoot)
	assert.Equal(t, "/var/log/lochness.out", cfg.Stdout)
	assert.Equal(t, 300, cfg.PollInterval)
	assert.Equal(t, "2021-01-01T00:00:00Z", cfg.Beiwe.BackfillStart)

	require.Contains(t, cfg.Dropbox, "mclean")
	assert.True(t, cfg.Dropbox["mclean"].DeleteOnSuccess)
	assert.Equal(t, "/lochness", cfg.Dropbox["mclean"].Base)
	assert.False(t, cfg.Dropbox["harvard"].DeleteOnSuccess)

	require.Contains(t, cfg.Redcap, "StudyA")
	assert.True(t, cfg.Redcap["StudyA"].Deidentify)

	assert.Equal(t, []string{"admin@example.org"}, cfg.Admins)
	assert.Equal(t, "lochness@example.org", cfg.Sender)
	assert.Equal(t, "lochness", cfg.SSHUser)
	assert.Equal(t, "transfer.example.org", cfg.SSHHost)
}

func TestLoad_DefaultPollInterval(t *testing.T) {
	path := writeConfig(t, `keyring_file: /tmp/.keyring
phoenix_root: /data/PHOENIX
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
}

func TestLoad_DeleteOnSuccessLenient(t *testing.T) {
	// Anything but a boolean reads as false rather than failing the load
	path := writeConfig(t, `keyring_file: /tmp/.keyring
phoenix_root: /data/PHOENIX
dropbox:
  mclean:
    delete_on_success: "yes please"
    base: /lochness
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Dropbox["mclean"].DeleteOnSuccess)
	assert.Equal(t, "/lochness", cfg.Dropbox["mclean"].Base)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing phoenix_root",
			cfg:  Config{KeyringFile: "/k", PollInterval: 60},
			want: "phoenix_root",
		},
		{
			name: "missing keyring_file",
			cfg:  Config{PhoenixRoot: "/p", PollInterval: 60},
			want: "keyring_file",
		},
		{
			name: "bad poll_interval",
			cfg:  Config{PhoenixRoot: "/p", KeyringFile: "/k", PollInterval: 0},
			want: "poll_interval",
		},
		{
			name: "bad sender",
			cfg:  Config{PhoenixRoot: "/p", KeyringFile: "/k", PollInterval: 60, Sender: "not-an-address"},
			want: "sender",
		},
		{
			name: "bad admin address",
			cfg:  Config{PhoenixRoot: "/p", KeyringFile: "/k", PollInterval: 60, Admins: []string{"bogus"}},
			want: "admins[0]",
		},
		{
			name: "ssh_user without ssh_host",
			cfg:  Config{PhoenixRoot: "/p", KeyringFile: "/k", PollInterval: 60, SSHUser: "lochness"},
			want: "ssh_user and ssh_host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRecipients(t *testing.T) {
	cfg := Config{
		Admins: []string{"admin@example.org"},
		Notify: map[string][]string{
			"StudyA":        {"studya@example.org", "admin@example.org"},
			GlobalNotifyKey: {"ops@example.org"},
		},
	}

	got := cfg.Recipients("StudyA")
	assert.Equal(t, []string{"admin@example.org", "studya@example.org", "ops@example.org"}, got)

	// Unknown study still notifies admins and the global list
	got = cfg.Recipients("StudyB")
	assert.Equal(t, []string{"admin@example.org", "ops@example.org"}, got)
}
