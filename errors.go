package alwaysoffline

import "errors"

var (
	ErrInstallFailed  = errors.New("Install failed")
	ErrNotActivated   = errors.New("No activated worker")
	ErrNoRootDocument = errors.New("Root document not cached")
	ErrMissingRoot    = errors.New("Precache manifest does not contain the root document")
)
