// Package file provides a TOML file-backed configuration store.
package file
