package registry

import "errors"

var (
	// ErrRecordNotFound mirrors this codebase's store package: a row
	// genuinely absent from the table.
	ErrRecordNotFound = errors.New("record not found")
)
