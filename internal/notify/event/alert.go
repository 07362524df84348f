package event

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders the scale; unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Urgent 顶层级别（error/critical）会额外广播到 global
func (s Severity) Urgent() bool {
	return s.Rank() >= SeverityError.Rank()
}

type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ProductID string    `json:"productId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
