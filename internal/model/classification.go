package model

// Failure taxonomy. The deterministic stage always lands on one of these;
// AI enrichment may annotate but never relabel.
const (
	CategoryProductDefect      = "PRODUCT_DEFECT"
	CategoryAutomationDefect   = "AUTOMATION_DEFECT"
	CategoryEnvironmentIssue   = "ENVIRONMENT_ISSUE"
	CategoryConfigurationIssue = "CONFIGURATION_ISSUE"
	CategoryFlaky              = "FLAKY"
	CategoryRegression         = "REGRESSION"
	CategoryStable             = "STABLE"
	CategoryNew                = "NEW"
	CategoryUnknown            = "UNKNOWN"
)

// Evidence records a single rule match inside an error signature.
type Evidence struct {
	PatternID  string `json:"pattern_id"`
	Matched    string `json:"matched"`
	LineOffset int    `json:"line_offset"`
}

// CodeReference points into the workspace at the first non-framework frame
// of a stacktrace.
type CodeReference struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// AIEnrichment is the bounded annotation layer on top of a deterministic
// classification. ConfidenceDelta is clamped to [-0.1, +0.1] before it is
// applied.
type AIEnrichment struct {
	Reasoning       string   `json:"reasoning,omitempty"`
	SuggestedFixes  []string `json:"suggested_fixes,omitempty"`
	ConfidenceDelta float64  `json:"confidence_delta"`
}

// FailureClassification is the classifier output for one failed test.
type FailureClassification struct {
	TestID        string         `json:"test_id"`
	Category      string         `json:"category"`
	Confidence    float64        `json:"confidence"`
	Evidence      []Evidence     `json:"evidence,omitempty"`
	CodeReference *CodeReference `json:"code_reference,omitempty"`
	AIEnrichment  *AIEnrichment  `json:"ai_enrichment,omitempty"`
	AIEnhanced    bool           `json:"ai_enhanced"`
}
