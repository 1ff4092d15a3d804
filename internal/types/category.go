package types

// ErrorCategory represents the classification bucket of a failure
type ErrorCategory string

const (
	CategoryConnection     ErrorCategory = "connection"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryServerError    ErrorCategory = "server_error"
	CategoryClientError    ErrorCategory = "client_error"
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Categories lists every error category.
var Categories = []ErrorCategory{
	CategoryConnection,
	CategoryAuthentication,
	CategoryRateLimit,
	CategoryServerError,
	CategoryClientError,
	CategoryNetwork,
	CategoryTimeout,
	CategoryUnknown,
}

// Severity represents how serious a classified failure is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Quality represents a discrete connection quality tier
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityFair
	QualityPoor
	QualityCritical
)

// String returns the string representation of Quality
func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Demote returns the quality one tier worse, saturating at critical.
func (q Quality) Demote() Quality {
	if q >= QualityCritical {
		return QualityCritical
	}
	return q + 1
}
