package transfer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/moolen/lochness/internal/keyring"
)

func testKeyPEM(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return priv, string(pem.EncodeToMemory(block))
}

func TestAuthMethodsFromKeyring(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, keyPEM := testKeyPEM(t)
	kr := keyring.New()
	kr.Set("ssh", "private_key", keyPEM)
	kr.Set("ssh", "port", "2222")

	auth, port, err := authMethods(kr)
	require.NoError(t, err)
	assert.Len(t, auth, 1)
	assert.Equal(t, "2222", port)
}

func TestAuthMethodsBadKey(t *testing.T) {
	kr := keyring.New()
	kr.Set("ssh", "private_key", "not a pem block")

	_, _, err := authMethods(kr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}

func TestAuthMethodsAgentFallback(t *testing.T) {
	priv, _ := testKeyPEM(t)

	ag := agent.NewKeyring()
	require.NoError(t, ag.Add(agent.AddedKey{PrivateKey: priv}))

	sock := filepath.Join(t.TempDir(), "agent.sock")
	listener, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() { _ = agent.ServeAgent(ag, conn) }()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", sock)

	// no ssh entry in the keyring: the agent is used
	auth, port, err := authMethods(keyring.New())
	require.NoError(t, err)
	require.Len(t, auth, 1)
	assert.Empty(t, port)
}

func TestAuthMethodsNoCredentials(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, _, err := authMethods(keyring.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh-agent")
}
