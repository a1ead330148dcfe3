package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFromFile reads version info from a .version file next to the
// executable. Supports plain version strings and key:value lines
// (version:x.y.z, build:timestamp).
func LoadVersionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}

	versionFile := filepath.Join(filepath.Dir(exePath), ".version")
	data, err := os.ReadFile(versionFile)
	if err != nil {
		return Version
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			// Plain version string
			Version = line
			continue
		}
		switch strings.TrimSpace(strings.ToLower(key)) {
		case "version":
			Version = strings.TrimSpace(value)
		case "build":
			Build = strings.TrimSpace(value)
		case "commit":
			GitCommit = strings.TrimSpace(value)
		}
	}

	return Version
}
