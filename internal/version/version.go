// Package version provides version information for pgcached.
package version

// Version is the version of `pgcached`.
// Set to "dev" by default for local builds.
// Overridden by goreleaser.
var version = "dev"

// Get returns the version of `pgcached`.
func Get() string {
	return version
}
