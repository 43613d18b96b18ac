package domain

import "fmt"

// ConfigurationError marks a missing or malformed rule. Not recoverable by
// the caller; the engine never substitutes a best-guess fee or due date.
type ConfigurationError struct {
	Detail string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Detail)
}

// NoSLARuleError indicates no SLA rule matches a (process type, urgency) pair.
type NoSLARuleError struct {
	ProcessType ProcessType
	Urgency     UrgencyLevel
}

func (e NoSLARuleError) Error() string {
	return fmt.Sprintf("no SLA rule for %s/%s", e.ProcessType, e.Urgency)
}

// NotSuspendableError rejects a suspend/resume that the SLA rule or the
// deadline's current state does not allow.
type NotSuspendableError struct {
	Reason string
}

func (e NotSuspendableError) Error() string {
	return fmt.Sprintf("deadline not suspendable: %s", e.Reason)
}

// NoActiveRuleError indicates no active distribution rule for a process type.
type NoActiveRuleError struct {
	ProcessType ProcessType
}

func (e NoActiveRuleError) Error() string {
	return fmt.Sprintf("no active distribution rule for %s", e.ProcessType)
}

// AmbiguousRuleError indicates more than one active distribution rule for a
// process type. A data-integrity problem surfaced loudly, never resolved by
// picking the first row.
type AmbiguousRuleError struct {
	ProcessType ProcessType
	Count       int
}

func (e AmbiguousRuleError) Error() string {
	return fmt.Sprintf("%d active distribution rules for %s; exactly one required", e.Count, e.ProcessType)
}

// NoValidMappingError indicates no letra mapping whose vigência contains now.
type NoValidMappingError struct {
	Letra string
}

func (e NoValidMappingError) Error() string {
	return fmt.Sprintf("no valid judge mapping for letra %s", e.Letra)
}

// UnmappedAttributeError indicates an attribute value with no configured bucket.
type UnmappedAttributeError struct {
	Attribute string
	Value     string
}

func (e UnmappedAttributeError) Error() string {
	return fmt.Sprintf("no distribution bucket for %s=%q", e.Attribute, e.Value)
}

// ConflictError indicates an optimistic version check failed; the caller
// should reload the case and retry.
type ConflictError struct {
	CaseID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("case %s was modified concurrently; retry", e.CaseID)
}
