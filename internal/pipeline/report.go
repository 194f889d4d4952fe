package pipeline

// Stage is a step in a message's lifecycle. A message moves through the
// stages in declaration order.
type Stage string

const (
	StageFetched    Stage = "fetched"
	StageExtracted  Stage = "extracted"
	StageIndexed    Stage = "indexed"
	StageRetrieved  Stage = "retrieved"
	StageGenerated  Stage = "generated"
	StageDispatched Stage = "dispatched"
	StageRecorded   Stage = "recorded"
)

// Outcome is how a message left the pipeline.
type Outcome string

const (
	OutcomeRecorded Outcome = "recorded"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Result describes one message. For failures Stage is the step that failed
// and Err its cause. A failed label update after the reply was recorded is
// reported at StageDispatched.
type Result struct {
	ProviderID string
	Stage      Stage
	Outcome    Outcome
	Err        error
}

// Report is the outcome of one batch run.
type Report struct {
	Results     []Result
	Processed   int
	Interrupted bool
}

// Failures returns the failed results in batch order.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Summary is the machine-readable run result printed by the CLI and served
// over HTTP.
func (r Report) Summary() map[string]int {
	return map[string]int{"processed": r.Processed}
}
