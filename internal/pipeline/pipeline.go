package pipeline

import "fmt"

// Stage names of the fixed pipeline template, in execution order.
const (
	StageIngest              = "ingest"
	StageExtractMetadata     = "extract-metadata"
	StageUtilityGate         = "utility-gate"
	StageAssetDetection      = "asset-detection"
	StageConditionAssessment = "condition-assessment"
	StageSummary             = "summary"
)

// Template returns the ordered list of stage names. Every Run is created
// with exactly one Step per name, in this order.
func Template() []string {
	return []string{
		StageIngest,
		StageExtractMetadata,
		StageUtilityGate,
		StageAssetDetection,
		StageConditionAssessment,
		StageSummary,
	}
}

// FailureKind classifies a stage failure.
type FailureKind string

const (
	// FailureConfiguration covers missing or malformed detector models.
	FailureConfiguration FailureKind = "configuration"
	// FailureData covers unreadable or malformed source data.
	FailureData FailureKind = "data"
	// FailureInternal covers unexpected handler errors.
	FailureInternal FailureKind = "internal"
)

// StageFailure describes why a stage failed.
type StageFailure struct {
	Kind    FailureKind
	Message string
}

// StageResult is the explicit outcome of one stage handler: either a success
// detail payload or a failure. The executor branches on the value instead of
// relying on error propagation across stage boundaries.
type StageResult struct {
	Details interface{}
	Failure *StageFailure
}

// Success builds a successful stage result carrying the detail payload.
func Success(details interface{}) StageResult {
	return StageResult{Details: details}
}

// Failure builds a failed stage result.
func Failure(kind FailureKind, format string, args ...interface{}) StageResult {
	return StageResult{Failure: &StageFailure{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}}
}

// Stage pairs a template name with its handler. The executor consumes the
// ordered table and stops at the first failure.
type Stage struct {
	Name    string
	Handler StageHandler
}

// StageHandler performs one stage's work against the shared run state.
type StageHandler func(st *runState) StageResult
