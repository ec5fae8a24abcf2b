package sdbx

import (
	"fmt"

	"github.com/Giulio2002/sdbx/internal/storage"
)

// Version constants
const (
	// Major is the major version number
	Major = 0

	// Minor is the minor version number
	Minor = 1

	// Patch is the patch version number
	Patch = 0
)

// VersionInfo describes the library build.
type VersionInfo struct {
	Major    uint8
	Minor    uint8
	Release  uint8
	Describe string
	// DataFormat is the version of the data file layout.
	DataFormat int
}

// Version returns the version string of sdbx.
func Version() string {
	return fmt.Sprintf("sdbx %d.%d.%d", Major, Minor, Patch)
}

// GetVersionInfo returns version information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Major:      Major,
		Minor:      Minor,
		Release:    Patch,
		Describe:   fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch),
		DataFormat: storage.FormatVersion,
	}
}
