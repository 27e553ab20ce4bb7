package convq

import (
	"strconv"
	"strings"
)

// Status is the lifecycle state of a conversion task.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending tasks are admitted and waiting for a free execution slot.
	StatusPending Status = "pending"
	// StatusProcessing tasks are being converted by a worker.
	StatusProcessing Status = "processing"
	// StatusCompleted tasks carry a result location and an expiry.
	StatusCompleted Status = "completed"
	// StatusFailed tasks carry an error message.
	StatusFailed Status = "failed"
	// StatusCancelled tasks were stopped on request and carry neither result nor error.
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusProcessing):
		return StatusProcessing, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	case string(StatusCancelled):
		return StatusCancelled, nil
	default:
		return "", ErrUnknownStatus
	}
}

// CanTransition enforces the task state machine edges:
//
//	pending    -> processing | cancelled
//	processing -> completed | failed | cancelled
//
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Format is a supported output format.
type Format string

const (
	FormatDOCX Format = "docx"
	FormatJPEG Format = "jpeg"
	FormatPPT  Format = "ppt"
	FormatHTML Format = "html"
)

// AllFormats lists the closed set of output formats.
var AllFormats = []Format{FormatDOCX, FormatJPEG, FormatPPT, FormatHTML}

func (f Format) String() string { return string(f) }

// ParseFormat resolves a user supplied format name. Matching is case-insensitive
// and accepts the common file extensions "jpg" and "pptx" as aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docx":
		return FormatDOCX, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "ppt", "pptx":
		return FormatPPT, nil
	case "html", "htm":
		return FormatHTML, nil
	default:
		return "", &ValidationError{Field: "format", Reason: "unsupported format " + strconv.Quote(s), Err: ErrUnsupportedFormat}
	}
}
