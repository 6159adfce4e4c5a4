package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/moolen/lochness/internal/keyring"
)

// keyringService is the keyring entry that holds SSH credentials.
// Expected keys: private_key (PEM), optionally passphrase and port.
const keyringService = "ssh"

const defaultSSHPort = "22"

// Session is an open SFTP connection. It satisfies Remote and must be
// closed after the push.
type Session struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// Dial opens an SFTP session to user@host. Authentication comes from the
// keyring "ssh" entry when present, otherwise from a running ssh-agent.
// Host keys are verified against the user's known_hosts file.
func Dial(user, host string, kr *keyring.Keyring) (*Session, error) {
	auth, port, err := authMethods(kr)
	if err != nil {
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	if port == "" {
		port = defaultSSHPort
	}

	sshClient, err := ssh.Dial("tcp", net.JoinHostPort(host, port), &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s@%s: %w", user, host, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to open sftp session: %w", err)
	}

	return &Session{sshClient: sshClient, sftpClient: sftpClient}, nil
}

// authMethods resolves SSH authentication. A private_key in the keyring
// wins; without one, a running ssh-agent (SSH_AUTH_SOCK) is used. The
// returned port comes from the keyring entry and may be empty.
func authMethods(kr *keyring.Keyring) ([]ssh.AuthMethod, string, error) {
	entry, err := kr.Get(keyringService)
	if err != nil {
		var notFound *keyring.ErrNotFound
		if !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("ssh credentials: %w", err)
		}
		entry = nil
	}

	if keyPEM := entry["private_key"]; keyPEM != "" {
		var signer ssh.Signer
		if passphrase := entry["passphrase"]; passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(keyPEM), []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(keyPEM))
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse ssh private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, entry["port"], nil
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, "", fmt.Errorf("failed to reach ssh-agent: %w", err)
		}
		ag := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, entry["port"], nil
	}

	return nil, "", fmt.Errorf("no ssh private_key in keyring and no ssh-agent available")
}

func (s *Session) Stat(path string) (os.FileInfo, error) {
	return s.sftpClient.Stat(path)
}

func (s *Session) MkdirAll(path string) error {
	return s.sftpClient.MkdirAll(path)
}

func (s *Session) Create(path string) (io.WriteCloser, error) {
	return s.sftpClient.Create(path)
}

func (s *Session) Chtimes(path string, atime, mtime time.Time) error {
	return s.sftpClient.Chtimes(path, atime, mtime)
}

// Close tears down the SFTP session and the underlying SSH connection.
func (s *Session) Close() error {
	sftpErr := s.sftpClient.Close()
	sshErr := s.sshClient.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}
