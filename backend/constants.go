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

const (
	CurrentSchemaVersion   = 1
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.3.1"
)

// EventType identifies a gameplay event in a game's event log.
type EventType string

const (
	EventPitch     EventType = "pitch"
	EventFlipCup   EventType = "flip_cup"
	EventAtBat     EventType = "at_bat"
	EventGameStart EventType = "game_start"
	EventGameEnd   EventType = "game_end"
	EventTakeover  EventType = "takeover"
	EventUndo      EventType = "undo"
	EventEdit      EventType = "edit"
	EventInningEnd EventType = "inning_end"
)

// IsValid reports whether t is a supported event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventPitch, EventFlipCup, EventAtBat, EventGameStart, EventGameEnd,
		EventTakeover, EventUndo, EventEdit, EventInningEnd:
		return true
	}
	return false
}

// GameStatus is the phase of a game.
type GameStatus string

const (
	StatusNotStarted GameStatus = "not_started"
	StatusInProgress GameStatus = "in_progress"
	StatusPaused     GameStatus = "paused"
	StatusCompleted  GameStatus = "completed"
)

// Pitch results
const (
	PitchStrike       = "strike"
	PitchFoulBall     = "foul_ball"
	PitchBall         = "ball"
	PitchFirstCupHit  = "first_cup_hit"
	PitchSecondCupHit = "second_cup_hit"
	PitchThirdCupHit  = "third_cup_hit"
	PitchFourthCupHit = "fourth_cup_hit"
)

// Flip cup results
const (
	FlipCupOffenseWins = "offense_wins"
	FlipCupDefenseWins = "defense_wins"
)

// At-bat results
const (
	AtBatOut     = "out"
	AtBatWalk    = "walk"
	AtBatSingle  = "single"
	AtBatDouble  = "double"
	AtBatTriple  = "triple"
	AtBatHomerun = "homerun"
)

// cupHitBases maps a cup-hit pitch result to the number of bases the batter
// earns if the offense wins the ensuing flip cup round.
var cupHitBases = map[string]int{
	PitchFirstCupHit:  1,
	PitchSecondCupHit: 2,
	PitchThirdCupHit:  3,
	PitchFourthCupHit: 4,
}

// isCupHit reports whether a pitch result triggers a flip cup round.
func isCupHit(result string) bool {
	_, ok := cupHitBases[result]
	return ok
}

// hitBases maps an at-bat result to the number of bases runners advance.
// Outs are not in the map.
var hitBases = map[string]int{
	AtBatWalk:    1,
	AtBatSingle:  1,
	AtBatDouble:  2,
	AtBatTriple:  3,
	AtBatHomerun: 4,
}

// validInnings are the game lengths a game may be started with.
var validInnings = map[int]bool{3: true, 5: true, 7: true, 9: true}

// Count limits. Balls and strikes are clamped by the engine; the validator
// rejects pitches that would push a count past the point where the at-bat
// should already have resolved.
const (
	maxBalls   = 4
	maxStrikes = 3
	maxOuts    = 3
)

const (
	maxUndoReasonLen   = 500
	maxGameEndNotesLen = 1000
)
