// Package version carries build-time identification for the vanessa binary.
package version

// Version is overridden at build time via -ldflags "-X ...".
var Version = "dev"
