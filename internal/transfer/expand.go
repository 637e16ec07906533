package transfer

import (
	"fmt"
	"path"

	"github.com/Ducheved/catsolle/internal/sshcore"
)

// ExpandRemoteDirectory recursively walks remoteRoot over sess's SFTP
// subsystem and returns the File list a directory-transfer Job needs,
// with each destination path resolved under localRoot through
// SafeJoinDest. A remote directory listing is attacker-influenced
// input (a compromised or malicious server controls the names it
// returns), so every entry name is validated before it is allowed to
// influence a local filesystem path.
func ExpandRemoteDirectory(sess *sshcore.Session, remoteRoot, localRoot string) ([]File, error) {
	sftpClient, err := sess.OpenSFTP()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	var files []File
	if err := walkRemoteDir(sftpClient, remoteRoot, localRoot, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func walkRemoteDir(sftpClient *sshcore.SFTPClient, remoteDir, localDir string, out *[]File) error {
	entries, err := sftpClient.ReadDir(remoteDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		localPath, err := SafeJoinDest(localDir, entry.Name)
		if err != nil {
			return fmt.Errorf("transfer: expand %s: %w", remoteDir, err)
		}
		remotePath := path.Join(remoteDir, entry.Name)

		*out = append(*out, File{
			SourcePath: remotePath,
			DestPath:   localPath,
			Size:       entry.Size,
			IsDir:      entry.IsDir,
		})

		if entry.IsDir {
			if err := walkRemoteDir(sftpClient, remotePath, localPath, out); err != nil {
				return err
			}
		}
	}
	return nil
}
