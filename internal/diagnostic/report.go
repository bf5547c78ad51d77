package diagnostic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"k8s-netremedy/internal/types"
)

// ActionJSON represents one remediation action outcome for JSON output
type ActionJSON struct {
	Action          string  `json:"action"`
	Verdict         string  `json:"verdict"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// NodeAttemptJSON represents what one attempt measured and did on a node
type NodeAttemptJSON struct {
	Node        string            `json:"node"`
	ProxyMode   string            `json:"proxy_mode"`
	IPForward   bool              `json:"ip_forward_enabled"`
	Modules     []string          `json:"required_modules_loaded"`
	ForwardOK   bool              `json:"forward_policy_accept"`
	IPVSEntries int               `json:"ipvs_entry_count"`
	ProbeErrors map[string]string `json:"probe_errors,omitempty"`
	Actions     []ActionJSON      `json:"actions"`
}

// AttemptJSON represents a single retry cycle for JSON output
type AttemptJSON struct {
	Index          int               `json:"index"`
	PreValidation  string            `json:"pre_validation"`
	PreRawOutput   string            `json:"pre_raw_output,omitempty"`
	ObservedAt     string            `json:"observed_at"`
	Nodes          []NodeAttemptJSON `json:"nodes,omitempty"`
	PostValidation string            `json:"post_validation,omitempty"`
}

// SummaryJSON represents the overall run summary
type SummaryJSON struct {
	TotalAttempts         int      `json:"total_attempts"`
	ActionsChanged        int      `json:"actions_changed"`
	ActionsFailed         int      `json:"actions_failed"`
	OverallStatus         string   `json:"overall_status"`
	TotalExecutionSeconds float64  `json:"total_execution_time_seconds,omitempty"`
	ErrorsEncountered     []string `json:"errors_encountered"`
	CompletionTime        string   `json:"completion_time,omitempty"`
}

// AttemptReport is the attempt history of one engine run
type AttemptReport struct {
	RunID       string        `json:"run_id,omitempty"`
	Target      string        `json:"target"`
	ArchivePath string        `json:"archive_path,omitempty"`
	Attempts    []AttemptJSON `json:"attempts"`
	Summary     SummaryJSON   `json:"summary"`
}

// NewAttemptReport builds a report from an attempt history. Outcome fields are
// left to the caller when the run has not finished yet.
func NewAttemptReport(target string, attempts []types.Attempt) *AttemptReport {
	report := &AttemptReport{Target: target, Attempts: []AttemptJSON{}}
	report.Summary.ErrorsEncountered = []string{}
	report.Summary.OverallStatus = "IN_PROGRESS"

	for _, a := range attempts {
		entry := AttemptJSON{
			Index:         a.Index,
			PreValidation: string(a.PreValidation.Status),
			PreRawOutput:  a.PreValidation.RawOutput,
			ObservedAt:    a.PreValidation.ObservedAt.Format(time.RFC3339),
		}
		if a.PostValidation != nil {
			entry.PostValidation = string(a.PostValidation.Status)
		}

		for _, node := range attemptNodes(a) {
			state := a.NodeStates[node]
			nodeEntry := NodeAttemptJSON{
				Node:        node,
				ProxyMode:   string(state.ProxyMode),
				IPForward:   state.IPForwardEnabled,
				Modules:     state.LoadedModules(),
				ForwardOK:   state.ForwardPolicyAccept,
				IPVSEntries: state.IPVSEntryCount,
				ProbeErrors: state.ProbeErrors,
				Actions:     []ActionJSON{},
			}
			for _, o := range a.ActionsApplied[node] {
				nodeEntry.Actions = append(nodeEntry.Actions, ActionJSON{
					Action:          o.Action.String(),
					Verdict:         string(o.Verdict),
					Error:           o.Error,
					DurationSeconds: o.Duration.Seconds(),
				})
				switch o.Verdict {
				case types.VerdictChanged:
					report.Summary.ActionsChanged++
				case types.VerdictFailed:
					report.Summary.ActionsFailed++
					report.Summary.ErrorsEncountered = append(report.Summary.ErrorsEncountered,
						fmt.Sprintf("Attempt %d (%s): %s failed: %s", a.Index, node, o.Action, o.Error))
				}
			}
			entry.Nodes = append(entry.Nodes, nodeEntry)
		}

		report.Attempts = append(report.Attempts, entry)
	}
	report.Summary.TotalAttempts = len(attempts)

	return report
}

// NewResultReport builds the report of a finished run
func NewResultReport(target string, result *types.EngineResult) *AttemptReport {
	report := NewAttemptReport(target, result.Attempts)
	report.RunID = result.RunID
	report.Summary.OverallStatus = "PASSED"
	if !result.Succeeded() {
		report.Summary.OverallStatus = "FAILED"
	}
	if result.Bundle != nil {
		report.ArchivePath = result.Bundle.ArchivePath
	}
	report.Summary.TotalExecutionSeconds = result.EndedAt.Sub(result.StartedAt).Seconds()
	report.Summary.CompletionTime = result.EndedAt.Format(time.RFC3339)
	return report
}

// attemptNodes returns every node an attempt touched in name order
func attemptNodes(a types.Attempt) []string {
	seen := make(map[string]bool)
	var nodes []string
	for n := range a.NodeStates {
		if !seen[n] {
			seen[n] = true
			nodes = append(nodes, n)
		}
	}
	for n := range a.ActionsApplied {
		if !seen[n] {
			seen[n] = true
			nodes = append(nodes, n)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// WriteAttemptReport writes the report as indented JSON to path
func WriteAttemptReport(path string, report *AttemptReport) error {
	jsonData, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file %s: %w", path, err)
	}
	return nil
}

// SaveAttemptReport saves the report to a timestamped JSON file under dir and
// returns its path
func SaveAttemptReport(dir string, report *AttemptReport) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	filename := fmt.Sprintf("netremedy-attempts-%s.json", time.Now().Format("20060102-150405"))
	fullPath := filepath.Join(dir, filename)

	if err := WriteAttemptReport(fullPath, report); err != nil {
		return "", err
	}
	return fullPath, nil
}
