package keys

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// AgentClient talks to a locally running SSH agent over its Unix
// domain socket (or, on Windows, its named pipe — see agent_windows.go).
type AgentClient struct {
	conn  net.Conn
	agent agent.ExtendedAgent
}

// Connect dials the agent referenced by SSH_AUTH_SOCK. Platform-specific
// fallbacks live behind build tags (see agent_windows.go).
func Connect() (*AgentClient, error) {
	sockPath := os.Getenv("SSH_AUTH_SOCK")
	if sockPath == "" {
		return connectPlatform()
	}
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("keys: dial agent socket %s: %w", sockPath, err)
	}
	return &AgentClient{conn: conn, agent: agent.NewClient(conn)}, nil
}

func (c *AgentClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ListIdentities returns every public key currently loaded in the agent.
func (c *AgentClient) ListIdentities() ([]*agent.Key, error) {
	return c.agent.List()
}

// Signers returns a Signer for each identity currently loaded in the
// agent, suitable for ssh.PublicKeysCallback.
func (c *AgentClient) Signers() ([]ssh.Signer, error) {
	return c.agent.Signers()
}

// AddIdentity registers a raw private key with the agent.
func (c *AgentClient) AddIdentity(key agent.AddedKey) error {
	return c.agent.Add(key)
}

// AddIdentityFromFile loads an OpenSSH private key file and registers
// it with the agent. Fails with apperr.ErrMissingCredential if the
// on-disk key is encrypted and no passphrase was supplied.
func (c *AgentClient) AddIdentityFromFile(path, passphrase, comment string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("keys: read %s: %w", path, err)
	}

	raw, err := parseRawKeyMaybeEncrypted(data, passphrase)
	if err != nil {
		return err
	}

	return c.agent.Add(agent.AddedKey{
		PrivateKey: raw,
		Comment:    comment,
	})
}

// parseRawKeyMaybeEncrypted returns the raw crypto key (ed25519.PrivateKey,
// *rsa.PrivateKey, or *ecdsa.PrivateKey) from an OpenSSH/PEM-encoded
// private key, decrypting it with passphrase when the block is encrypted.
func parseRawKeyMaybeEncrypted(data []byte, passphrase string) (any, error) {
	if passphrase != "" {
		raw, err := ssh.ParseRawPrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("keys: %w: %w", apperr.ErrCrypto, err)
		}
		return raw, nil
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, fmt.Errorf("keys: %w: passphrase required for encrypted key", apperr.ErrMissingCredential)
		}
		return nil, fmt.Errorf("keys: %w: %w", apperr.ErrCrypto, err)
	}
	return raw, nil
}

// RemoveIdentity removes one public key from the agent.
func (c *AgentClient) RemoveIdentity(pub ssh.PublicKey) error {
	return c.agent.Remove(pub)
}

// RemoveAll clears every identity from the agent.
func (c *AgentClient) RemoveAll() error {
	return c.agent.RemoveAll()
}
