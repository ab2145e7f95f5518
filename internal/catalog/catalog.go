// Package catalog talks to the external book catalogues: Google Books for
// confirming a title and author, and a libgen-style catalogue for finding and
// downloading a copy of the book.
package catalog

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTooLarge is returned by Download when the file exceeds the size ceiling.
var ErrTooLarge = errors.New("file exceeds size limit")

// StatusError is returned when a catalogue answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

const userAgent = "snapshelf/1.0 (+https://github.com/jackzampolin/snapshelf)"
