package evalgate

// Verdict is the canonical four-valued judgment produced by every evaluation.
type Verdict int

const (
	// VerdictConsistent means the answer is semantically consistent with the
	// reference document.
	VerdictConsistent Verdict = iota
	// VerdictInconsistent means the answer contradicts the reference document
	// or adds information that cannot be inferred from it.
	VerdictInconsistent
	// VerdictUncertain means the backend answered but no clear judgment could
	// be extracted.
	VerdictUncertain
	// VerdictError means the evaluation itself failed (configuration, auth,
	// exhausted retries). The justification carries the reason.
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictConsistent:
		return "consistent"
	case VerdictInconsistent:
		return "inconsistent"
	case VerdictUncertain:
		return "uncertain"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// Request is one (question, answer, reference) triple to be judged.
type Request struct {
	// Question is the user question the answer responded to.
	Question string
	// Answer is the AI-generated answer under test.
	Answer string
	// Reference is the source document the answer must be consistent with.
	Reference string
	// Model overrides the provider's default model when non-empty.
	Model string
}

// Outcome is the only value that crosses the registry boundary. Internal
// parsing and transport details never leak out of it.
type Outcome struct {
	Verdict       Verdict
	Justification string

	// Routing metadata for status display and journaling.
	Provider string
	Model    string
	Attempts int
}

// ProviderInfo describes one registered provider for status display.
type ProviderInfo struct {
	ID           string
	Name         string
	Models       []string
	DefaultModel string
	Configured   bool
	Current      bool
}

// Summary is the configuration overview exposed to the row-processing caller.
type Summary struct {
	Total      int
	Configured int
	CurrentID  string
}

// ValidationStatus classifies one provider in a validation report.
type ValidationStatus int

const (
	ValidationUnconfigured ValidationStatus = iota
	ValidationValid
	ValidationInvalid
)

func (s ValidationStatus) String() string {
	switch s {
	case ValidationUnconfigured:
		return "unconfigured"
	case ValidationValid:
		return "valid"
	case ValidationInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ValidationEntry is the validation result for one provider.
type ValidationEntry struct {
	ID     string
	Name   string
	Status ValidationStatus
}

// ValidationReport summarizes a live key check across all providers.
type ValidationReport struct {
	Total        int
	Valid        int
	Invalid      int
	Unconfigured int
	Entries      []ValidationEntry
}
