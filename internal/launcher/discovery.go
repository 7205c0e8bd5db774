package launcher

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wagiedev/lspproxy/internal/errors"
)

// Discover locates the server binary.
//
// A name containing a path separator is used as given. Otherwise the search
// order is:
//  1. The system PATH
//  2. Common installation directories (/usr/local/bin, /usr/bin, ~/go/bin, ~/.local/bin)
//
// Returns ServerNotFoundError if the binary cannot be located.
func Discover(log *slog.Logger, name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		log.Debug("Using explicit server path", "path", name)

		if _, err := os.Stat(name); err == nil {
			return name, nil
		}

		return "", &errors.ServerNotFoundError{Name: name, SearchedPaths: []string{name}}
	}

	searchedPaths := make([]string, 0, 5)

	if path, err := exec.LookPath(name); err == nil {
		log.Debug("Found server in PATH", "path", path)

		return path, nil
	}

	searchedPaths = append(searchedPaths, "$PATH")

	for _, path := range commonPaths(name) {
		searchedPaths = append(searchedPaths, path)

		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			log.Debug("Found server at common path", "path", path)

			return path, nil
		}
	}

	log.Warn("Server not found in any searched paths", "name", name, "searched_paths", searchedPaths)

	return "", &errors.ServerNotFoundError{Name: name, SearchedPaths: searchedPaths}
}

func commonPaths(name string) []string {
	paths := []string{
		filepath.Join("/usr/local/bin", name),
		filepath.Join("/usr/bin", name),
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, "go", "bin", name),
			filepath.Join(homeDir, ".local", "bin", name),
		)
	}

	return paths
}
