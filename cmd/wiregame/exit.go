package main

import "errors"

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func (e exitError) Unwrap() error { return e.err }

func asExit(err error, target *exitError) bool {
	return errors.As(err, target)
}
