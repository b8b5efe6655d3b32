// Package setup loads the persisted configuration and checks the host
// before an operation touches it.
//
// This package is essentially a collection of scripts and constants, and is
// therefore the only package that is allowed to call a global logger.
package setup
