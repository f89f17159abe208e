// Package ipc exposes the command surface over a unix socket: one JSON
// frame per line, request/response plus unsolicited event frames for
// subscribed connections.
package ipc

import (
	"encoding/json"
)

// Request is one command frame from a client.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventFrame is an unsolicited frame pushed to a subscribed connection.
// Terminal events additionally carry the session ID and the event type.
type EventFrame struct {
	Event     string          `json:"event"`
	SessionID *uint64         `json:"session_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event names.
const (
	EventTerminal       = "terminal"
	EventAnalysisStatus = "analysis:status_changed"
)

// Method names. Mirrors the external command surface.
const (
	MethodCreateTerminal       = "create_terminal"
	MethodLaunchCLIPreset      = "launch_cli_preset"
	MethodWriteInput           = "write_input"
	MethodResizeTerminal       = "resize_terminal"
	MethodCloseTerminal        = "close_terminal"
	MethodListBranches         = "list_branches"
	MethodGetCurrentBranch     = "get_current_branch"
	MethodRunAnalysis          = "run_analysis"
	MethodGetAnalysis          = "get_analysis"
	MethodListAnalyses         = "list_analyses"
	MethodGetAnalysisDiff      = "get_analysis_diff"
	MethodListAnalysisPresets  = "list_analysis_presets"
	MethodCreateAnalysisPreset = "create_analysis_preset"
	MethodDeleteAnalysisPreset = "delete_analysis_preset"
	MethodListCLIPresets       = "list_cli_presets"
	MethodCreateCLIPreset      = "create_cli_preset"
	MethodGetSetting           = "get_setting"
	MethodSetSetting           = "set_setting"
	MethodSubscribeAnalyses    = "subscribe_analyses"
)

// Request parameter shapes.

type CreateTerminalParams struct {
	Shell      string `json:"shell,omitempty"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type LaunchCLIPresetParams struct {
	PresetID int64  `json:"preset_id"`
	Cols     uint16 `json:"cols"`
	Rows     uint16 `json:"rows"`
}

type WriteInputParams struct {
	SessionID uint64 `json:"session_id"`
	Data      []byte `json:"data"` // base64 on the wire
}

type ResizeTerminalParams struct {
	SessionID uint64 `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type SessionIDParams struct {
	SessionID uint64 `json:"session_id"`
}

type RunAnalysisParams struct {
	PresetID     int64   `json:"preset_id"`
	Branch       string  `json:"branch"`
	Level        int64   `json:"level,omitempty"`
	TargetNodeID *string `json:"target_node_id,omitempty"`
}

type AnalysisIDParams struct {
	AnalysisID int64 `json:"analysis_id"`
}

type ListAnalysesParams struct {
	Branch string `json:"branch"`
}

type AnalysisDiffParams struct {
	BranchAnalysisID int64 `json:"branch_analysis_id"`
	MainAnalysisID   int64 `json:"main_analysis_id"`
}

type CreateAnalysisPresetParams struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	PromptTemplate string  `json:"prompt_template"`
	Schedule       *string `json:"schedule,omitempty"`
}

type PresetIDParams struct {
	PresetID int64 `json:"preset_id"`
}

type CreateCLIPresetParams struct {
	Name       string   `json:"name"`
	CLIBinary  string   `json:"cli_binary"`
	Flags      string   `json:"flags,omitempty"`
	WorkingDir *string  `json:"working_dir,omitempty"`
	EnvVars    *string  `json:"env_vars,omitempty"` // JSON object of KEY=value strings
	BudgetUSD  *float64 `json:"budget_usd,omitempty"`
}

type GetSettingParams struct {
	Key string `json:"key"`
}

type SetSettingParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
