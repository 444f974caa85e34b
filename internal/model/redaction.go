package model

// Redaction records one masked span of a message's raw text.
// Start and End are UTF-16 code unit offsets, End exclusive.
type Redaction struct {
	MessageID   string
	PIIType     string
	Placeholder string
	Start       int
	End         int
}
