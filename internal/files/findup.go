package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and its ancestors and returns the first path found, or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		_, err := os.Lstat(p)
		if err == nil {
			return p, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("checking %s: %w", p, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
