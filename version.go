// Package foreman holds shared module metadata.
package foreman

// Version is the foreman release version.
const Version = "0.2.0"
