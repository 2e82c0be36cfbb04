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
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrUndoNotTransition marks an undo event reaching the engine. Undo is
// realized by deleting the target from the log and replaying, never by an
// in-place inverse transition.
var ErrUndoNotTransition = errors.New("undo is not an engine transition: delete the event and replay the log")

// ErrEditUnsupported marks an edit event reaching the engine. The type is
// accepted by the validator as a placeholder but has no transition.
var ErrEditUnsupported = errors.New("edit events have no engine transition")

// Transition applies exactly one event to the snapshot and returns the new
// snapshot plus any side effects for external collaborators. It is pure and
// deterministic: the input snapshot is never mutated, and on any error the
// returned snapshot is the unchanged input. priorEvents is the game's event
// log up to but not including the event being applied; flip_cup uses it to
// find the cup-hit pitch that triggered the round.
func Transition(snapshot *GameSnapshot, event *GameEvent, priorEvents []GameEvent) (next *GameSnapshot, effects []SideEffect, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Transition PANIC on game %s event %s: %v", snapshot.GameID, event.ID, r)
			next, effects, err = snapshot, nil, fmt.Errorf("internal transition error: %v", r)
		}
	}()

	if snapshot.Status == StatusCompleted && event.Type != EventGameStart {
		return snapshot, nil, fmt.Errorf("game %s is already completed", snapshot.GameID)
	}

	s := *snapshot // shallow copy; lineups are replaced wholesale, never edited in place
	s.LastUpdated = event.CreatedAt

	switch event.Type {
	case EventPitch:
		err = applyPitch(&s, event)
	case EventFlipCup:
		effects, err = applyFlipCup(&s, event, priorEvents)
	case EventAtBat:
		effects, err = applyAtBat(&s, event)
	case EventGameStart:
		effects, err = applyGameStart(&s, event)
	case EventGameEnd:
		effects, err = applyGameEnd(&s, event)
	case EventTakeover:
		err = applyTakeover(&s, event)
	case EventInningEnd:
		advanceInning(&s)
	case EventUndo:
		return snapshot, nil, ErrUndoNotTransition
	case EventEdit:
		return snapshot, nil, ErrEditUnsupported
	default:
		return snapshot, nil, fmt.Errorf("unsupported event type: %s", event.Type)
	}
	if err != nil {
		return snapshot, nil, err
	}
	return &s, effects, nil
}

func applyPitch(s *GameSnapshot, event *GameEvent) error {
	var p PitchPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("malformed pitch payload: %w", err)
	}
	switch p.Result {
	case PitchStrike:
		if s.Strikes < maxStrikes {
			s.Strikes++
		}
	case PitchFoulBall:
		// Fouls never push the count to a strikeout.
		if s.Strikes < maxStrikes-1 {
			s.Strikes++
		}
	case PitchBall:
		if s.Balls < maxBalls {
			s.Balls++
		}
	default:
		if !isCupHit(p.Result) {
			return fmt.Errorf("invalid pitch result: %s", p.Result)
		}
		// Cup hits leave the count alone. The following flip_cup event
		// resolves the at-bat.
	}
	return nil
}

func applyFlipCup(s *GameSnapshot, event *GameEvent, priorEvents []GameEvent) ([]SideEffect, error) {
	var p FlipCupPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed flip_cup payload: %w", err)
	}

	var effects []SideEffect
	switch p.Result {
	case FlipCupOffenseWins:
		bases, err := cupHitBasesFromLog(priorEvents)
		if err != nil {
			return nil, err
		}
		effects = advanceRunners(s, bases, false)
	case FlipCupDefenseWins:
		s.Outs++
	default:
		return nil, fmt.Errorf("invalid flip_cup result: %s", p.Result)
	}

	s.Balls = 0
	s.Strikes = 0
	if s.Outs >= maxOuts {
		advanceInning(s)
	} else {
		advanceLineup(s)
	}
	return effects, nil
}

// cupHitBasesFromLog scans the log backward for the most recent pitch and
// maps its cup-hit result to a base count.
func cupHitBasesFromLog(priorEvents []GameEvent) (int, error) {
	for i := len(priorEvents) - 1; i >= 0; i-- {
		if priorEvents[i].Type != EventPitch {
			continue
		}
		var pitch PitchPayload
		if err := json.Unmarshal(priorEvents[i].Payload, &pitch); err != nil {
			return 0, fmt.Errorf("pitch %s payload unreadable: %w", priorEvents[i].ID, err)
		}
		if n, ok := cupHitBases[pitch.Result]; ok {
			return n, nil
		}
		return 0, fmt.Errorf("most recent pitch was %s, not a cup hit", pitch.Result)
	}
	return 0, errors.New("no preceding pitch found for flip_cup")
}

func applyAtBat(s *GameSnapshot, event *GameEvent) ([]SideEffect, error) {
	var p AtBatPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed at_bat payload: %w", err)
	}

	var effects []SideEffect
	if p.Result == AtBatOut {
		s.Outs++
	} else {
		bases, ok := hitBases[p.Result]
		if !ok {
			return nil, fmt.Errorf("invalid at_bat result: %s", p.Result)
		}
		effects = advanceRunners(s, bases, p.Result == AtBatWalk)
	}

	s.Balls = 0
	s.Strikes = 0
	if s.Outs >= maxOuts {
		advanceInning(s)
	} else {
		advanceLineup(s)
	}
	return effects, nil
}

// advanceRunners moves every runner (and the batter) forward by bases and
// credits the resulting runs to the batting team. forced marks a walk, where
// runners pushed off their base must move even onto an occupied base ahead.
// Runs are computed from the incoming runner state before any placement.
func advanceRunners(s *GameSnapshot, bases int, forced bool) []SideEffect {
	runs := 0
	if s.BaseRunners.Third != "" && bases >= 1 {
		runs++
	}
	if s.BaseRunners.Second != "" && bases >= 2 {
		runs++
	}
	if s.BaseRunners.First != "" && bases >= 3 {
		runs++
	}
	if bases >= 4 {
		runs++ // batter scores, no placement needed
	}

	var effects []SideEffect
	old := s.BaseRunners
	s.BaseRunners = BaseRunners{}

	// Lead runners place first so trailing runners see the occupied bases.
	place := func(runnerID string, from int) {
		to := from + bases
		if runnerID == "" || to >= 4 {
			return
		}
		if setBase(s, to, runnerID) {
			return
		}
		if forced {
			for b := to + 1; b <= 3; b++ {
				if setBase(s, b, runnerID) {
					return
				}
			}
		}
		// A non-forced collision should be impossible in legal play. Flag
		// it loudly instead of silently dropping the runner.
		log.Printf("advanceRunners: runner %s from base %d cannot reach base %d on game %s, not placed",
			runnerID, from, to, s.GameID)
		effects = append(effects, SideEffect{
			Type: EffectRunnerConflict,
			Payload: mustMarshal(RunnerConflictEffect{
				GameID:   s.GameID,
				RunnerID: runnerID,
				FromBase: from,
				ToBase:   to,
			}),
		})
	}
	place(old.Third, 3)
	place(old.Second, 2)
	place(old.First, 1)

	if bases < 4 {
		if !setBase(s, bases, s.BatterID) && forced {
			for b := 1; b <= 3; b++ {
				if setBase(s, b, s.BatterID) {
					break
				}
			}
		}
	}

	if s.IsTopOfInning {
		s.ScoreAway += runs
	} else {
		s.ScoreHome += runs
	}
	return effects
}

// setBase puts runnerID on the numbered base if it is open.
func setBase(s *GameSnapshot, base int, runnerID string) bool {
	switch base {
	case 1:
		if s.BaseRunners.First == "" {
			s.BaseRunners.First = runnerID
			return true
		}
	case 2:
		if s.BaseRunners.Second == "" {
			s.BaseRunners.Second = runnerID
			return true
		}
	case 3:
		if s.BaseRunners.Third == "" {
			s.BaseRunners.Third = runnerID
			return true
		}
	}
	return false
}

func applyGameStart(s *GameSnapshot, event *GameEvent) ([]SideEffect, error) {
	var p GameStartPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed game_start payload: %w", err)
	}
	if len(p.HomeLineup) == 0 || len(p.AwayLineup) == 0 {
		return nil, errors.New("game_start requires non-empty lineups")
	}

	s.Status = StatusInProgress
	s.CurrentInning = 1
	s.IsTopOfInning = true
	s.Outs = 0
	s.Balls = 0
	s.Strikes = 0
	s.ScoreHome = 0
	s.ScoreAway = 0
	s.HomeTeamID = p.HomeTeamID
	s.AwayTeamID = p.AwayTeamID
	s.HomeLineup = append([]string(nil), p.HomeLineup...)
	s.AwayLineup = append([]string(nil), p.AwayLineup...)
	s.HomeLineupPosition = 0
	s.AwayLineupPosition = 0
	s.BatterID = p.AwayLineup[0]
	s.CatcherID = p.AwayLineup[1%len(p.AwayLineup)]
	s.BaseRunners = BaseRunners{}
	s.UmpireID = p.UmpireID
	s.TotalInnings = p.Innings

	return []SideEffect{{
		Type: EffectGameStarted,
		Payload: mustMarshal(GameStartedEffect{
			GameID:     s.GameID,
			HomeTeamID: p.HomeTeamID,
			AwayTeamID: p.AwayTeamID,
			StartedAt:  event.CreatedAt,
		}),
	}}, nil
}

func applyGameEnd(s *GameSnapshot, event *GameEvent) ([]SideEffect, error) {
	var p GameEndPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed game_end payload: %w", err)
	}
	s.Status = StatusCompleted
	s.ScoreHome = p.FinalScoreHome
	s.ScoreAway = p.FinalScoreAway

	return []SideEffect{{
		Type: EffectGameEnded,
		Payload: mustMarshal(GameEndedEffect{
			GameID:         s.GameID,
			FinalScoreHome: p.FinalScoreHome,
			FinalScoreAway: p.FinalScoreAway,
		}),
	}}, nil
}

func applyTakeover(s *GameSnapshot, event *GameEvent) error {
	var p TakeoverPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("malformed takeover payload: %w", err)
	}
	if p.NewUmpireID == "" {
		return errors.New("takeover requires newUmpireId")
	}
	s.UmpireID = p.NewUmpireID
	return nil
}

// advanceInning flips the half-inning (top of N goes to bottom of N, bottom
// of N goes to top of N+1), resets the count and outs, clears the bases and
// recomputes the batter and on-deck from the new batting team's cursor.
func advanceInning(s *GameSnapshot) {
	if s.IsTopOfInning {
		s.IsTopOfInning = false
	} else {
		s.IsTopOfInning = true
		s.CurrentInning++
	}
	s.Outs = 0
	s.Balls = 0
	s.Strikes = 0
	s.BaseRunners = BaseRunners{}
	recomputeBatter(s)
}

// advanceLineup moves the batting team's cursor to the next hitter.
func advanceLineup(s *GameSnapshot) {
	lineup, pos := s.battingLineup()
	if len(lineup) == 0 {
		return
	}
	pos = (pos + 1) % len(lineup)
	if s.IsTopOfInning {
		s.AwayLineupPosition = pos
	} else {
		s.HomeLineupPosition = pos
	}
	recomputeBatter(s)
}

func recomputeBatter(s *GameSnapshot) {
	lineup, pos := s.battingLineup()
	if len(lineup) == 0 {
		s.BatterID = ""
		s.CatcherID = ""
		return
	}
	s.BatterID = lineup[pos%len(lineup)]
	s.CatcherID = lineup[(pos+1)%len(lineup)]
}

// NewSnapshot builds the minimal pre-start snapshot for a game. Team ids may
// be pre-assigned from scheduling; everything else is set by game_start.
func NewSnapshot(gameID, homeTeamID, awayTeamID string) *GameSnapshot {
	return &GameSnapshot{
		GameID:        gameID,
		Status:        StatusNotStarted,
		CurrentInning: 1,
		IsTopOfInning: true,
		HomeTeamID:    homeTeamID,
		AwayTeamID:    awayTeamID,
		LastUpdated:   time.Now().UTC(),
	}
}
