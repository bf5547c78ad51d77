package types

import (
	"encoding/json"
	"sort"
	"time"
)

// Node identifies a cluster node the engine can run commands on
type Node struct {
	Name    string `json:"name" mapstructure:"name"`
	Address string `json:"address,omitempty" mapstructure:"address"`
}

// String returns the node name, falling back to its address
func (n Node) String() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Address
}

// ValidationStatus is the classified outcome of one connectivity probe
type ValidationStatus string

const (
	StatusSuccess    ValidationStatus = "Success"
	StatusDNSTimeout ValidationStatus = "DNSTimeout"
	StatusDNSRefused ValidationStatus = "DNSRefused"
	StatusNoRoute    ValidationStatus = "NoRoute"
	StatusUnknown    ValidationStatus = "Unknown"
)

// ValidationResult is produced fresh by every validation call and never mutated
type ValidationResult struct {
	Status     ValidationStatus `json:"status"`
	ObservedAt time.Time        `json:"observed_at"`
	RawOutput  string           `json:"raw_output"`
}

// OK reports whether the probe resolved through the cluster DNS service
func (r ValidationResult) OK() bool {
	return r.Status == StatusSuccess
}

// ProxyMode is the service-proxy backend active on a node
type ProxyMode string

const (
	ProxyModeIptables ProxyMode = "iptables"
	ProxyModeIPVS     ProxyMode = "ipvs"
	ProxyModeUnknown  ProxyMode = "unknown"
)

// Probe names used to key per-probe read errors on NodeNetworkState
const (
	ProbeProxyMode     = "proxy_mode"
	ProbeIPForward     = "ip_forward"
	ProbeModules       = "kernel_modules"
	ProbeForwardPolicy = "forward_policy"
	ProbeIPVS          = "ipvs_table"
)

// NodeNetworkState is measured at the start of every remediation pass and
// discarded afterwards.
type NodeNetworkState struct {
	NodeID                string              `json:"node_id"`
	ProxyMode             ProxyMode           `json:"proxy_mode"`
	IPForwardEnabled      bool                `json:"ip_forward_enabled"`
	RequiredModulesLoaded map[string]struct{} `json:"-"` // encoded as a sorted list
	ForwardPolicyAccept   bool                `json:"forward_policy_accept"`
	IPVSEntryCount        int                 `json:"ipvs_entry_count"`
	MeasuredAt            time.Time           `json:"measured_at"`

	// ProbeErrors holds the probes that could not be read, keyed by probe name.
	ProbeErrors map[string]string `json:"probe_errors,omitempty"`
}

// Measured reports whether the named probe produced a value
func (s NodeNetworkState) Measured(probe string) bool {
	_, failed := s.ProbeErrors[probe]
	return !failed
}

// ModuleLoaded reports whether a required kernel module was seen loaded
func (s NodeNetworkState) ModuleLoaded(name string) bool {
	_, ok := s.RequiredModulesLoaded[name]
	return ok
}

// MarshalJSON encodes the loaded module set as a sorted list
func (s NodeNetworkState) MarshalJSON() ([]byte, error) {
	type nodeState NodeNetworkState
	return json.Marshal(struct {
		nodeState
		RequiredModulesLoaded []string `json:"required_modules_loaded"`
	}{nodeState(s), s.LoadedModules()})
}

// UnmarshalJSON restores the module set from its list form
func (s *NodeNetworkState) UnmarshalJSON(data []byte) error {
	type nodeState NodeNetworkState
	aux := struct {
		*nodeState
		RequiredModulesLoaded []string `json:"required_modules_loaded"`
	}{nodeState: (*nodeState)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.RequiredModulesLoaded = make(map[string]struct{}, len(aux.RequiredModulesLoaded))
	for _, m := range aux.RequiredModulesLoaded {
		s.RequiredModulesLoaded[m] = struct{}{}
	}
	return nil
}

// LoadedModules returns the loaded required modules in sorted order
func (s NodeNetworkState) LoadedModules() []string {
	mods := make([]string, 0, len(s.RequiredModulesLoaded))
	for m := range s.RequiredModulesLoaded {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	return mods
}

// ActionKind enumerates the corrective actions the engine knows how to apply
type ActionKind string

const (
	ActionEnableIPForward        ActionKind = "EnableIPForward"
	ActionLoadKernelModule       ActionKind = "LoadKernelModule"
	ActionSetForwardPolicyAccept ActionKind = "SetForwardPolicyAccept"
	ActionFlushIPVSTable         ActionKind = "FlushIPVSTable"
	ActionRestartProxyService    ActionKind = "RestartProxyService"
)

// RemediationAction is a tagged variant; Module is only set for LoadKernelModule
type RemediationAction struct {
	Kind   ActionKind `json:"kind"`
	Module string     `json:"module,omitempty"`
}

// String renders the action as Kind or Kind(module)
func (a RemediationAction) String() string {
	if a.Module != "" {
		return string(a.Kind) + "(" + a.Module + ")"
	}
	return string(a.Kind)
}

// Verdict is the idempotence verdict for one applied action
type Verdict string

const (
	VerdictChanged          Verdict = "changed"
	VerdictAlreadySatisfied Verdict = "already-satisfied"
	VerdictFailed           Verdict = "failed"
	VerdictSkipped          Verdict = "skipped"
)

// ActionOutcome records what happened when an action was applied to a node
type ActionOutcome struct {
	Action   RemediationAction `json:"action"`
	Verdict  Verdict           `json:"verdict"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Attempt is one retry cycle of a single engine invocation
type Attempt struct {
	Index          int                         `json:"index"`
	PreValidation  ValidationResult            `json:"pre_validation"`
	NodeStates     map[string]NodeNetworkState `json:"node_states,omitempty"`
	ActionsApplied map[string][]ActionOutcome  `json:"actions_applied,omitempty"`
	PostValidation *ValidationResult           `json:"post_validation,omitempty"`
}

// Applied returns the actions on a node whose verdict was changed, in order
func (a Attempt) Applied(node string) []RemediationAction {
	var out []RemediationAction
	for _, o := range a.ActionsApplied[node] {
		if o.Verdict == VerdictChanged {
			out = append(out, o.Action)
		}
	}
	return out
}

// NodeSnapshot is the per-node part of a diagnostics bundle
type NodeSnapshot struct {
	Sysctls       string `json:"sysctls"`
	FirewallRules string `json:"firewall_rules"`
	IPVSTable     string `json:"ipvs_table"`
	Interfaces    string `json:"interfaces"`
	Routes        string `json:"routes"`
}

// ClusterSnapshot is the cluster-wide part of a diagnostics bundle
type ClusterSnapshot struct {
	DNSServiceConfig string            `json:"dns_service_config"`
	ProxyConfig      string            `json:"proxy_config"`
	ProxyLogs        map[string]string `json:"proxy_logs,omitempty"`
}

// DiagnosticsBundle is created once on terminal failure and never mutated after
type DiagnosticsBundle struct {
	CreatedAt        time.Time               `json:"created_at"`
	Target           string                  `json:"target"`
	ClusterSnapshot  ClusterSnapshot         `json:"cluster_snapshot"`
	PerNodeSnapshots map[string]NodeSnapshot `json:"per_node_snapshots"`
	CollectorErrors  []string                `json:"collector_errors,omitempty"`
	ArchivePath      string                  `json:"archive_path"`
}

// Outcome is the terminal state of one engine invocation
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
)

// EngineResult is either Success, or Failed carrying a diagnostics bundle
type EngineResult struct {
	RunID     string             `json:"run_id"`
	Outcome   Outcome            `json:"outcome"`
	Attempts  []Attempt          `json:"attempts"`
	Bundle    *DiagnosticsBundle `json:"bundle,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
}

// Succeeded reports whether connectivity was verified
func (r *EngineResult) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}
