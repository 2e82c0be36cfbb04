// Copyright (c) 2026 WBODC Baseball
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdSaveGame           CommandType = "SAVE_GAME"
	CmdDeleteGame         CommandType = "DELETE_GAME"
	CmdSubmitEvent        CommandType = "SUBMIT_EVENT"
	CmdUndoEvent          CommandType = "UNDO_EVENT"
	CmdSaveTeam           CommandType = "SAVE_TEAM"
	CmdDeleteTeam         CommandType = "DELETE_TEAM"
	CmdSaveTournament     CommandType = "SAVE_TOURNAMENT"
	CmdDeleteTournament   CommandType = "DELETE_TOURNAMENT"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdNodeLeft           CommandType = "NODE_LEFT"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
	CmdMetricsUpdate      CommandType = "METRICS_UPDATE"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type           CommandType       `json:"type"`
	NodeMeta       *NodeMeta         `json:"nodeMeta,omitempty"`
	Event          *EventPayload     `json:"event,omitempty"`
	Undo           *UndoCommand      `json:"undo,omitempty"`
	GameData       *json.RawMessage  `json:"gameData,omitempty"`
	TeamData       *json.RawMessage  `json:"teamData,omitempty"`
	TournamentData *json.RawMessage  `json:"tournamentData,omitempty"`
	PolicyData     *UserAccessPolicy `json:"policyData,omitempty"`
	MetricsPayload *MetricsPayload   `json:"metricsPayload,omitempty"`
	ID             string            `json:"id,omitempty"`
	Force          bool              `json:"force,omitempty"`
}

// EventPayload contains details for CmdSubmitEvent. The event is validated
// before the command is proposed; the FSM appends it to the log and runs the
// engine transition deterministically on every node.
type EventPayload struct {
	GameID          string          `json:"gameId"`
	EventID         string          `json:"eventId"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	UmpireID        string          `json:"umpireId,omitempty"`
	PreviousEventID string          `json:"previousEventId,omitempty"`
	UserID          string          `json:"userId"`
	CreatedAt       int64           `json:"createdAt"` // Unix nano, fixed by the proposer
}

// UndoCommand contains details for CmdUndoEvent.
type UndoCommand struct {
	GameID        string `json:"gameId"`
	UndoEventID   string `json:"undoEventId"`
	TargetEventID string `json:"targetEventId"`
	Reason        string `json:"reason,omitempty"`
	UserID        string `json:"userId"`
	CreatedAt     int64  `json:"createdAt"`
}

// UserAccessPolicy defines global access rules and quotas.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxTeams    int                     `json:"defaultMaxTeams"`
	DefaultMaxGames    int                     `json:"defaultMaxGames"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"` // List of admin emails
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access   string `json:"access"` // "allow" or "deny"
	MaxTeams int    `json:"maxTeams"`
	MaxGames int    `json:"maxGames"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}
