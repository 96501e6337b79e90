package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env.local and .env from the given directory into the
// process environment. Missing files are fine; any other read error is not.
// Values already present in the environment are not overwritten, so shell
// exports win over file contents.
func LoadDotEnv(dir string) error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		path := filepath.Join(dir, file)
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	return nil
}
