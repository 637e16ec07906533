//go:build windows

package keys

import (
	"fmt"

	"github.com/Microsoft/go-winio"
	"golang.org/x/crypto/ssh/agent"
)

// defaultWindowsPipe is the well-known Pageant/OpenSSH-for-Windows
// agent pipe name.
const defaultWindowsPipe = `\\.\pipe\openssh-ssh-agent`

// connectPlatform dials the default Windows SSH agent named pipe when
// SSH_AUTH_SOCK is unset.
func connectPlatform() (*AgentClient, error) {
	conn, err := winio.DialPipe(defaultWindowsPipe, nil)
	if err != nil {
		return nil, fmt.Errorf("keys: dial agent pipe %s: %w", defaultWindowsPipe, err)
	}
	return &AgentClient{conn: conn, agent: agent.NewClient(conn)}, nil
}
