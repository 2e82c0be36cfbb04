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
	"fmt"
	"net/mail"
	"regexp"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// ValidateGameData performs structural validation of a full game document
// before it is accepted by the save endpoint. It checks identifiers and the
// shape of the event log, not gameplay legality; replaying the log is the
// only authority on that.
func ValidateGameData(data []byte) error {
	var g Game
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("invalid game JSON: %w", err)
	}

	if !isValidUUID(g.ID) {
		return fmt.Errorf("invalid game ID format: %s", g.ID)
	}

	var prevSeq uint64
	for i, ev := range g.EventLog {
		if !ev.Type.IsValid() {
			return fmt.Errorf("invalid event type at index %d: %s", i, ev.Type)
		}
		if ev.ID == "" || !isValidUUID(ev.ID) {
			return fmt.Errorf("invalid event ID at index %d", i)
		}
		if ev.GameID != "" && ev.GameID != g.ID {
			return fmt.Errorf("event at index %d belongs to game %s", i, ev.GameID)
		}
		if ev.SequenceNumber <= prevSeq {
			return fmt.Errorf("non-monotonic sequence number at index %d", i)
		}
		prevSeq = ev.SequenceNumber
	}

	if g.LastSeq < prevSeq {
		return fmt.Errorf("lastSeq %d is behind the event log (%d)", g.LastSeq, prevSeq)
	}

	if g.Snapshot != nil && g.Snapshot.GameID != g.ID {
		return fmt.Errorf("snapshot belongs to game %s", g.Snapshot.GameID)
	}

	return nil
}

// QuickResultPredicate reports whether the caller allows a game_end whose
// final scores differ from the snapshot's current scores (manual "quick
// result" entry). A nil predicate means the scores must match exactly.
type QuickResultPredicate func(snapshot *GameSnapshot, payload *GameEndPayload) bool

// ValidateOptions carries caller-supplied hooks into event validation.
type ValidateOptions struct {
	AllowQuickResult QuickResultPredicate
}

// ValidateEvent decides whether a proposed event is legal against the given
// snapshot. prevEvent is the most recent event in the game's log, used for
// context-sensitive checks (flip_cup must follow a cup-hit pitch). The
// function is a pure predicate: it never mutates its inputs.
func ValidateEvent(eventType EventType, payload json.RawMessage, snapshot *GameSnapshot, prevEvent *GameEvent, opts ValidateOptions) ValidationResult {
	if snapshot == nil {
		return invalid("no snapshot")
	}
	if !eventType.IsValid() {
		return invalid(fmt.Sprintf("unknown event type: %s", eventType))
	}

	switch eventType {
	case EventPitch:
		return validatePitchEvent(payload, snapshot)
	case EventFlipCup:
		return validateFlipCupEvent(payload, snapshot, prevEvent)
	case EventAtBat:
		return validateAtBatEvent(payload, snapshot)
	case EventGameStart:
		return validateGameStartEvent(payload, snapshot)
	case EventGameEnd:
		return validateGameEndEvent(payload, snapshot, opts)
	case EventTakeover:
		return validateTakeoverEvent(payload, snapshot)
	case EventUndo:
		return validateUndoEvent(payload, snapshot)
	case EventEdit:
		return validateEditEvent(payload, snapshot)
	case EventInningEnd:
		return validateInningEndEvent(payload, snapshot)
	}
	return invalid(fmt.Sprintf("unknown event type: %s", eventType))
}

func validatePitchEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p PitchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed pitch payload")
	}
	if snapshot.Status != StatusInProgress {
		return invalid(fmt.Sprintf("cannot record pitch: game is %s", snapshot.Status))
	}
	if p.BatterID == "" || p.CatcherID == "" {
		return invalid("pitch requires batterId and catcherId")
	}
	if p.BatterID != snapshot.BatterID {
		return invalid(fmt.Sprintf("batter mismatch: payload has %s, current batter is %s", p.BatterID, snapshot.BatterID))
	}
	if p.CatcherID != snapshot.CatcherID {
		return invalid(fmt.Sprintf("catcher mismatch: payload has %s, current catcher is %s", p.CatcherID, snapshot.CatcherID))
	}

	switch p.Result {
	case PitchStrike:
		if snapshot.Strikes >= maxStrikes-1 {
			return invalid("cannot record strike with 2 strikes: resolve the at-bat with an at_bat out")
		}
	case PitchBall:
		if snapshot.Balls >= maxBalls-1 {
			return invalid("cannot record ball with 3 balls: resolve the at-bat with an at_bat walk")
		}
	case PitchFoulBall:
		// Always legal in progress; fouls never strike a batter out.
	case PitchFirstCupHit, PitchSecondCupHit, PitchThirdCupHit, PitchFourthCupHit:
		return valid("cup hit recorded: a flip_cup event must follow to resolve the at-bat")
	default:
		return invalid(fmt.Sprintf("invalid pitch result: %s", p.Result))
	}
	return valid()
}

func validateFlipCupEvent(payload json.RawMessage, snapshot *GameSnapshot, prevEvent *GameEvent) ValidationResult {
	var p FlipCupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed flip_cup payload")
	}
	if snapshot.Status != StatusInProgress {
		return invalid(fmt.Sprintf("cannot record flip cup: game is %s", snapshot.Status))
	}
	if p.BatterID == "" || p.CatcherID == "" {
		return invalid("flip_cup requires batterId and catcherId")
	}
	if p.Result != FlipCupOffenseWins && p.Result != FlipCupDefenseWins {
		return invalid(fmt.Sprintf("invalid flip_cup result: %s", p.Result))
	}
	if prevEvent != nil && prevEvent.Type == EventPitch {
		var prev PitchPayload
		if err := json.Unmarshal(prevEvent.Payload, &prev); err != nil {
			return invalid("previous pitch payload is unreadable")
		}
		if !isCupHit(prev.Result) {
			return invalid(fmt.Sprintf("flip_cup must follow a cup hit, previous pitch was %s", prev.Result))
		}
	}
	for _, id := range p.Errors {
		if id == "" {
			return invalid("fielding error entries must name a player")
		}
	}
	return valid()
}

func validateAtBatEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p AtBatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed at_bat payload")
	}
	if snapshot.Status != StatusInProgress {
		return invalid(fmt.Sprintf("cannot record at-bat: game is %s", snapshot.Status))
	}
	if p.BatterID == "" {
		return invalid("at_bat requires batterId")
	}
	if p.BatterID != snapshot.BatterID {
		return invalid(fmt.Sprintf("batter mismatch: payload has %s, current batter is %s", p.BatterID, snapshot.BatterID))
	}
	if _, ok := hitBases[p.Result]; !ok && p.Result != AtBatOut {
		return invalid(fmt.Sprintf("invalid at_bat result: %s", p.Result))
	}
	if p.Result == AtBatWalk && snapshot.Balls < maxBalls-1 {
		return invalid(fmt.Sprintf("walk requires 3 balls, count is %d", snapshot.Balls))
	}
	return valid()
}

func validateGameStartEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p GameStartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed game_start payload")
	}
	if snapshot.Status != StatusNotStarted {
		return invalid(fmt.Sprintf("cannot start game: game is %s", snapshot.Status))
	}
	if p.UmpireID == "" {
		return invalid("game_start requires umpireId")
	}
	if p.HomeTeamID == "" || p.AwayTeamID == "" {
		return invalid("game_start requires both team ids")
	}
	if p.HomeTeamID == p.AwayTeamID {
		return invalid("home and away teams must differ")
	}
	if snapshot.HomeTeamID != "" && p.HomeTeamID != snapshot.HomeTeamID {
		return invalid("homeTeamId does not match the scheduled home team")
	}
	if snapshot.AwayTeamID != "" && p.AwayTeamID != snapshot.AwayTeamID {
		return invalid("awayTeamId does not match the scheduled away team")
	}
	if len(p.HomeLineup) == 0 || len(p.AwayLineup) == 0 {
		return invalid("game_start requires non-empty lineups for both teams")
	}
	if !validInnings[p.Innings] {
		return invalid(fmt.Sprintf("innings must be 3, 5, 7 or 9, got %d", p.Innings))
	}
	return valid()
}

func validateGameEndEvent(payload json.RawMessage, snapshot *GameSnapshot, opts ValidateOptions) ValidationResult {
	var p GameEndPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed game_end payload")
	}
	if snapshot.Status != StatusInProgress {
		return invalid(fmt.Sprintf("cannot end game: game is %s", snapshot.Status))
	}
	if p.FinalScoreHome < 0 || p.FinalScoreAway < 0 {
		return invalid("final scores must be non-negative")
	}
	if p.FinalScoreHome == p.FinalScoreAway {
		return invalid("game cannot end in a tie")
	}
	if len(p.Notes) > maxGameEndNotesLen {
		return invalid(fmt.Sprintf("notes exceed %d characters", maxGameEndNotesLen))
	}
	if p.FinalScoreHome != snapshot.ScoreHome || p.FinalScoreAway != snapshot.ScoreAway {
		if opts.AllowQuickResult == nil || !opts.AllowQuickResult(snapshot, &p) {
			return invalid(fmt.Sprintf("final scores %d-%d do not match current scores %d-%d",
				p.FinalScoreHome, p.FinalScoreAway, snapshot.ScoreHome, snapshot.ScoreAway))
		}
	}
	return valid()
}

func validateTakeoverEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p TakeoverPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed takeover payload")
	}
	if snapshot.Status == StatusCompleted {
		return invalid("cannot take over a completed game")
	}
	if p.NewUmpireID == "" {
		return invalid("takeover requires newUmpireId")
	}
	if p.NewUmpireID == snapshot.UmpireID {
		return invalid(fmt.Sprintf("%s is already the umpire", p.NewUmpireID))
	}
	if p.PreviousUmpireID != snapshot.UmpireID {
		return invalid("previousUmpireId does not match the current umpire")
	}
	return valid()
}

func validateUndoEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p UndoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed undo payload")
	}
	if snapshot.Status == StatusCompleted {
		return invalid("cannot undo events of a completed game")
	}
	if p.TargetEventID == "" {
		return invalid("undo requires targetEventId")
	}
	if len(p.Reason) > maxUndoReasonLen {
		return invalid(fmt.Sprintf("reason exceeds %d characters", maxUndoReasonLen))
	}
	return valid()
}

func validateEditEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p EditPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed edit payload")
	}
	if snapshot.Status == StatusCompleted {
		return invalid("cannot edit events of a completed game")
	}
	if p.TargetEventID == "" {
		return invalid("edit requires targetEventId")
	}
	var obj map[string]json.RawMessage
	if len(p.NewData) == 0 || json.Unmarshal(p.NewData, &obj) != nil {
		return invalid("edit requires a newData object")
	}
	return valid()
}

func validateInningEndEvent(payload json.RawMessage, snapshot *GameSnapshot) ValidationResult {
	var p InningEndPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return invalid("malformed inning_end payload")
	}
	if snapshot.Status != StatusInProgress {
		return invalid(fmt.Sprintf("cannot end inning: game is %s", snapshot.Status))
	}
	if p.Inning != snapshot.CurrentInning || p.IsTopOfInning != snapshot.IsTopOfInning {
		return invalid(fmt.Sprintf("inning_end targets inning %d (top=%t), game is in inning %d (top=%t)",
			p.Inning, p.IsTopOfInning, snapshot.CurrentInning, snapshot.IsTopOfInning))
	}
	if p.ScoreHome < 0 || p.ScoreAway < 0 {
		return invalid("scores must be non-negative")
	}
	return valid()
}
