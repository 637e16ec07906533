//go:build !windows

package keys

import (
	"fmt"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// connectPlatform is reached only when SSH_AUTH_SOCK is unset; on
// POSIX systems there is no further fallback location to try.
func connectPlatform() (*AgentClient, error) {
	return nil, fmt.Errorf("keys: %w: SSH_AUTH_SOCK is not set", apperr.ErrInvalid)
}
