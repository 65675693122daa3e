package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Typed payload variants. Each event type on the bus carries exactly one of
// these shapes; Decode selects the variant by the envelope's event type.

// TaskSpec describes one unit of work inside a plan.
type TaskSpec struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	Language    string `json:"language"`
}

// NewTaskSpec fills defaults the way the planner expects them.
func NewTaskSpec(description, filePath, language string) TaskSpec {
	if language == "" {
		language = "python"
	}
	return TaskSpec{
		TaskID:      uuid.New().String(),
		Description: description,
		FilePath:    filePath,
		Language:    language,
	}
}

// PlanRequested asks the planner to decompose a user prompt.
type PlanRequested struct {
	UserPrompt  string `json:"user_prompt"`
	ProjectName string `json:"project_name"`
	RepoURL     string `json:"repo_url,omitempty"`
}

// PlanCreated announces a decomposed plan.
type PlanCreated struct {
	PlanID         string     `json:"plan_id"`
	OriginalPrompt string     `json:"original_prompt"`
	Tasks          []TaskSpec `json:"tasks"`
	Reasoning      string     `json:"reasoning,omitempty"`
}

// TaskAssigned hands one task to the developer. QAFeedback and QAAttempt are
// set on retry re-enqueues from the QA gate; the attempt number keeps each
// retry's idempotency key distinct even when the feedback repeats verbatim.
type TaskAssigned struct {
	PlanID        string   `json:"plan_id"`
	Task          TaskSpec `json:"task"`
	QAFeedback    string   `json:"qa_feedback,omitempty"`
	QAAttempt     int      `json:"qa_attempt,omitempty"`
	PlanReasoning string   `json:"plan_reasoning,omitempty"`
	RepoURL       string   `json:"repo_url,omitempty"`
}

// CodeGenerated carries one implemented task. Inside a pr.requested payload
// the Reasoning field holds the combined dev+QA chain for the file.
type CodeGenerated struct {
	PlanID    string `json:"plan_id"`
	TaskID    string `json:"task_id"`
	FilePath  string `json:"file_path"`
	Code      string `json:"code"`
	Language  string `json:"language,omitempty"`
	QAAttempt int    `json:"qa_attempt"`
	Reasoning string `json:"reasoning,omitempty"`
}

// QAResult is the payload of both qa.passed and qa.failed.
type QAResult struct {
	PlanID    string   `json:"plan_id"`
	TaskID    string   `json:"task_id"`
	Passed    bool     `json:"passed"`
	Issues    []string `json:"issues"`
	Code      string   `json:"code,omitempty"`
	FilePath  string   `json:"file_path,omitempty"`
	QAAttempt int      `json:"qa_attempt"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// PRRequested aggregates every QA-passed task of a plan into one request for
// the security gate.
type PRRequested struct {
	PlanID           string          `json:"plan_id"`
	RepoURL          string          `json:"repo_url"`
	BranchName       string          `json:"branch_name"`
	Files            []CodeGenerated `json:"files"`
	CommitMessage    string          `json:"commit_message"`
	SecurityApproved bool            `json:"security_approved"`
}

// SecurityResult is the payload of both security.approved and
// security.blocked. PRContext carries the original PRRequested payload on
// approval so downstream stages do not have to re-aggregate.
type SecurityResult struct {
	PlanID       string       `json:"plan_id"`
	BranchName   string       `json:"branch_name"`
	Approved     bool         `json:"approved"`
	Violations   []string     `json:"violations"`
	FilesScanned int          `json:"files_scanned"`
	PRContext    *PRRequested `json:"pr_context,omitempty"`
	Reasoning    string       `json:"reasoning,omitempty"`
}

// ApprovalDecision is the payload of pr.pending_approval, pr.human_approved,
// and pr.human_rejected.
type ApprovalDecision struct {
	ApprovalID        string       `json:"approval_id"`
	PlanID            string       `json:"plan_id"`
	BranchName        string       `json:"branch_name,omitempty"`
	FilesCount        int          `json:"files_count,omitempty"`
	SecurityReasoning string       `json:"security_reasoning,omitempty"`
	PRContext         *PRRequested `json:"pr_context,omitempty"`
	Decision          string       `json:"decision,omitempty"`
}

// PRCreated reports the materialized pull request.
type PRCreated struct {
	PlanID     string `json:"plan_id"`
	PRURL      string `json:"pr_url"`
	PRNumber   int    `json:"pr_number"`
	BranchName string `json:"branch_name"`
}

// PipelineConclusion is the final human-readable summary for a plan.
type PipelineConclusion struct {
	PlanID         string   `json:"plan_id"`
	BranchName     string   `json:"branch_name,omitempty"`
	ConclusionText string   `json:"conclusion_text"`
	FilesChanged   []string `json:"files_changed,omitempty"`
	Approved       bool     `json:"approved"`
}

// PlanRevision is the payload of plan.revision_suggested and
// plan.revision_confirmed.
type PlanRevision struct {
	OriginalPlanID string   `json:"original_plan_id"`
	NewPlanID      string   `json:"new_plan_id"`
	Reason         string   `json:"reason,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Severity       string   `json:"severity,omitempty"`
}

// TokensUsed records LLM token consumption for one call.
type TokensUsed struct {
	PlanID           string `json:"plan_id"`
	Service          string `json:"service"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Decode unmarshals the envelope payload into the typed variant for its
// event type. The caller supplies a pointer of the matching type; a mismatch
// between event type and destination is a programming error reported as such.
func Decode[T any](env *Envelope, dst *T) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return nil
}
