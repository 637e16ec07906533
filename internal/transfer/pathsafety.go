package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// SafeJoinDest resolves a remote-reported relative name against a local
// base directory for a directory transfer, rejecting any name that
// would place the result outside base — a remote SFTP server is not a
// trusted input, and a directory listing entry named e.g.
// "../../.ssh/authorized_keys" must never be allowed to escape the
// transfer's destination root.
func SafeJoinDest(base, relName string) (string, error) {
	if relName == "" || strings.HasPrefix(relName, "/") {
		return "", fmt.Errorf("transfer: %w: forbidden remote entry name %q", apperr.ErrInvalid, relName)
	}

	abs := filepath.Join(base, filepath.FromSlash(relName))
	cleanBase := filepath.Clean(base)
	if abs != cleanBase && !strings.HasPrefix(abs, cleanBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("transfer: %w: entry %q escapes destination root", apperr.ErrInvalid, relName)
	}

	resolved, err := resolveExistingAncestor(abs, cleanBase)
	if err != nil {
		return "", fmt.Errorf("transfer: %w: resolve %q: %w", apperr.ErrInvalid, relName, err)
	}
	if resolved != cleanBase && !strings.HasPrefix(resolved, cleanBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("transfer: %w: entry %q escapes destination root via symlink", apperr.ErrInvalid, relName)
	}

	return abs, nil
}

// resolveExistingAncestor walks up from abs until it finds an existing
// path component, then evaluates symlinks on that component, so a
// symlinked ancestor directory can't be used to defeat the base check
// above before the rest of the path has been created.
func resolveExistingAncestor(abs, base string) (string, error) {
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			return base, nil
		}
		cur = parent
	}
}
