// Package app defines the runtime contract shared by the cmd/* entrypoints
// (coordinator, development signer).
package app

// Runner is a process that blocks until it is told to stop or fails.
type Runner interface {
	Run() error
}
