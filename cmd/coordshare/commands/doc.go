// Package commands holds the coordshare CLI command tree.
package commands
