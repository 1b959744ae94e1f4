package certrenew

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// EnsureDirectories creates the challenge, certificate and account
// directories. Any failure here must stop the run.
func EnsureDirectories(fs afero.Fs, cfg *Config) error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{cfg.ChallengeDir, 0o755},
		{cfg.CertDir, 0o755},
		{cfg.AccountDir, 0o700},
	}
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		if err := fs.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d.path, err)
		}
	}
	return nil
}
