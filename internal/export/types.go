// Package export renders a branch as a readable document and archives it to
// object storage.
package export

import (
	"errors"
	"time"

	"talebranch/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

func ParseFormat(value string) (Format, error) {
	switch value {
	case "", "md", string(FormatMarkdown):
		return FormatMarkdown, nil
	case string(FormatHTML):
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Document is one branch read in full: the inherited prefix followed by the
// branch's own contributions.
type Document struct {
	Story         store.Story
	Branch        store.Branch
	Contributions []store.Contribution
	ExportedAt    time.Time
}

// Result is a rendered export ready to be written to a response or a bucket.
type Result struct {
	Filename    string
	ContentType string
	Data        []byte
}
