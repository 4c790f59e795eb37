package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFiles lists every file called name from dir up to the filesystem
// root, nearest first.
func EnvFiles(dir, name string) ([]string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	var files []string
	for {
		path := filepath.Join(dir, name)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			files = append(files, path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return files, nil
}

// LoadEnv loads .env files from the working directory upward. Variables
// already set win, and nearer files win over farther ones.
func LoadEnv() ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	files, err := EnvFiles(cwd, ".env")
	if err != nil || len(files) == 0 {
		return nil, err
	}
	if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return files, nil
}
