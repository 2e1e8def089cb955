// Package export renders case transcripts as HTML or PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat maps a query value to a Format. Empty means PDF.
func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case "", FormatPDF:
		return FormatPDF, true
	case FormatHTML:
		return FormatHTML, true
	default:
		return "", false
	}
}

// Request contains parameters for an export operation
type Request struct {
	CaseID string
	Format Format
	// ExportedBy is printed in the footer.
	ExportedBy string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Transcript is the case content handed to the template.
type Transcript struct {
	CaseID     string
	Title      string
	OwnerEmail string
	CreatedAt  time.Time
	ExportedAt time.Time
	ExportedBy string
	Messages   []TranscriptMessage
}

type TranscriptMessage struct {
	Role        string
	Content     string
	Attachments []string
	CreatedAt   time.Time
}

var (
	// ErrUnsupportedFormat is returned for any format other than html or pdf.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
