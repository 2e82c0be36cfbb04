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
	"time"
)

// BaseRunners tracks the three bases. An empty string means the base is open.
// A player id appears on at most one base at a time.
type BaseRunners struct {
	First  string `json:"first,omitempty"`
	Second string `json:"second,omitempty"`
	Third  string `json:"third,omitempty"`
}

// GameSnapshot is the authoritative current state of one game. It is a
// derived projection of the game's event log: the engine can rebuild it
// deterministically by replaying the log from game_start.
type GameSnapshot struct {
	GameID string     `json:"gameId"`
	Status GameStatus `json:"status"`

	CurrentInning int  `json:"currentInning"`
	IsTopOfInning bool `json:"isTopOfInning"` // true = away team batting

	Outs    int `json:"outs"`
	Balls   int `json:"balls"`
	Strikes int `json:"strikes"`

	ScoreHome int `json:"scoreHome"`
	ScoreAway int `json:"scoreAway"`

	HomeTeamID string   `json:"homeTeamId,omitempty"`
	AwayTeamID string   `json:"awayTeamId,omitempty"`
	HomeLineup []string `json:"homeLineup,omitempty"`
	AwayLineup []string `json:"awayLineup,omitempty"`

	HomeLineupPosition int `json:"homeLineupPosition"`
	AwayLineupPosition int `json:"awayLineupPosition"`

	// BatterID is the player at the batting team's lineup cursor. CatcherID
	// is the on-deck batter (next lineup entry); the name is historical.
	BatterID  string `json:"batterId,omitempty"`
	CatcherID string `json:"catcherId,omitempty"`

	BaseRunners BaseRunners `json:"baseRunners"`

	// UmpireID is the submitter currently controlling the game.
	UmpireID string `json:"umpireId,omitempty"`

	TotalInnings int       `json:"totalInnings,omitempty"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// battingLineup returns the lineup and cursor of the team currently at bat.
func (s *GameSnapshot) battingLineup() ([]string, int) {
	if s.IsTopOfInning {
		return s.AwayLineup, s.AwayLineupPosition
	}
	return s.HomeLineup, s.HomeLineupPosition
}

// GameEvent is one append-only, ordered entry in a game's event log.
// Events are immutable once written; the only removal path is an undo of the
// single most recent gameplay event.
type GameEvent struct {
	ID              string          `json:"id"`
	GameID          string          `json:"gameId"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	UmpireID        string          `json:"umpireId,omitempty"`
	SequenceNumber  uint64          `json:"sequenceNumber"`
	PreviousEventID string          `json:"previousEventId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// --- Event payloads, one variant per EventType ---

type PitchPayload struct {
	Result    string `json:"result"`
	BatterID  string `json:"batterId"`
	CatcherID string `json:"catcherId"`
}

type FlipCupPayload struct {
	Result    string `json:"result"`
	BatterID  string `json:"batterId"`
	CatcherID string `json:"catcherId"`
	// Errors lists fielders charged with an error during the round.
	Errors []string `json:"errors,omitempty"`
}

type AtBatPayload struct {
	Result    string `json:"result"`
	BatterID  string `json:"batterId"`
	CatcherID string `json:"catcherId,omitempty"`
}

type GameStartPayload struct {
	UmpireID   string   `json:"umpireId"`
	HomeTeamID string   `json:"homeTeamId"`
	AwayTeamID string   `json:"awayTeamId"`
	HomeLineup []string `json:"homeLineup"`
	AwayLineup []string `json:"awayLineup"`
	Innings    int      `json:"innings"`
}

type GameEndPayload struct {
	FinalScoreHome int    `json:"finalScoreHome"`
	FinalScoreAway int    `json:"finalScoreAway"`
	Notes          string `json:"notes,omitempty"`
}

type TakeoverPayload struct {
	PreviousUmpireID string `json:"previousUmpireId,omitempty"`
	NewUmpireID      string `json:"newUmpireId"`
}

type UndoPayload struct {
	TargetEventID string `json:"targetEventId"`
	Reason        string `json:"reason,omitempty"`
}

type EditPayload struct {
	TargetEventID string          `json:"targetEventId"`
	NewData       json.RawMessage `json:"newData"`
}

type InningEndPayload struct {
	Inning        int  `json:"inning"`
	IsTopOfInning bool `json:"isTopOfInning"`
	ScoreHome     int  `json:"scoreHome"`
	ScoreAway     int  `json:"scoreAway"`
}

// --- Engine results ---

// Side effect types emitted by the engine for external collaborators
// (registry, tournament glue, live update hub).
const (
	EffectGameStarted    = "game_started"
	EffectGameEnded      = "game_ended"
	EffectRunnerConflict = "runner_conflict"
)

// SideEffect is a notification the engine emits alongside a transition.
// Side effects never alter the snapshot; consumers decide what to do with them.
type SideEffect struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type GameStartedEffect struct {
	GameID     string    `json:"gameId"`
	HomeTeamID string    `json:"homeTeamId"`
	AwayTeamID string    `json:"awayTeamId"`
	StartedAt  time.Time `json:"startedAt"`
}

type GameEndedEffect struct {
	GameID         string `json:"gameId"`
	FinalScoreHome int    `json:"finalScoreHome"`
	FinalScoreAway int    `json:"finalScoreAway"`
}

type RunnerConflictEffect struct {
	GameID   string `json:"gameId"`
	RunnerID string `json:"runnerId"`
	FromBase int    `json:"fromBase"`
	ToBase   int    `json:"toBase"`
}

// ValidationResult is the validator's verdict on a proposed event.
// Warnings are informational and never block the write.
type ValidationResult struct {
	Valid    bool     `json:"isValid"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func invalid(msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: msg}
}

func valid(warnings ...string) ValidationResult {
	return ValidationResult{Valid: true, Warnings: warnings}
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
