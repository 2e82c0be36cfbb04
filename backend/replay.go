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
	"errors"
	"fmt"
	"sort"
)

// ErrNothingToUndo is returned when the log holds no undoable event.
var ErrNothingToUndo = errors.New("no gameplay event to undo")

// ErrUndoNotLatest is returned when an undo targets anything other than the
// most recent gameplay event. Replay cost stays proportional to one log.
var ErrUndoNotLatest = errors.New("only the most recent event can be undone")

// latestGameplayEvent returns the most recent log entry that participates in
// replay, skipping undo and edit bookkeeping entries.
func latestGameplayEvent(log []GameEvent) *GameEvent {
	for i := len(log) - 1; i >= 0; i-- {
		switch log[i].Type {
		case EventUndo, EventEdit:
			continue
		}
		return &log[i]
	}
	return nil
}

// RebuildSnapshot reconstructs a game's snapshot from scratch by replaying
// its event log in sequence order. The log is the source of truth; the
// snapshot is only a cache of this function's output. A mid-replay
// transition error is fatal: the log itself is inconsistent and needs
// operator attention, so the error is returned along with the last snapshot
// successfully computed.
func RebuildSnapshot(gameID, homeTeamID, awayTeamID string, eventLog []GameEvent) (*GameSnapshot, error) {
	events := append([]GameEvent(nil), eventLog...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].SequenceNumber < events[j].SequenceNumber
	})

	snapshot := NewSnapshot(gameID, homeTeamID, awayTeamID)

	started := false
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case EventUndo, EventEdit:
			continue
		case EventGameStart:
			if started {
				continue
			}
			started = true
		default:
			if !started {
				return snapshot, fmt.Errorf("replay: event %s (seq %d) precedes game_start", ev.ID, ev.SequenceNumber)
			}
		}
		next, _, err := Transition(snapshot, ev, events[:i])
		if err != nil {
			return snapshot, fmt.Errorf("replay failed at event %s (seq %d): %w", ev.ID, ev.SequenceNumber, err)
		}
		snapshot = next
	}
	return snapshot, nil
}

// UndoLastEvent removes the most recent gameplay event from the log and
// rebuilds the snapshot by full replay of the remainder. targetEventID must
// name that exact event. Returns the trimmed log, the rebuilt snapshot and
// the removed event. The caller persists both log and snapshot atomically.
func UndoLastEvent(game *Game, targetEventID string) ([]GameEvent, *GameSnapshot, *GameEvent, error) {
	target := latestGameplayEvent(game.EventLog)
	if target == nil {
		return nil, nil, nil, ErrNothingToUndo
	}
	if target.ID != targetEventID {
		return nil, nil, nil, fmt.Errorf("%w: latest is %s, got %s", ErrUndoNotLatest, target.ID, targetEventID)
	}

	removed := *target
	trimmed := make([]GameEvent, 0, len(game.EventLog)-1)
	for _, ev := range game.EventLog {
		if ev.ID == removed.ID {
			continue
		}
		trimmed = append(trimmed, ev)
	}

	snapshot, err := RebuildSnapshot(game.ID, game.HomeTeamID, game.AwayTeamID, trimmed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("undo aborted, snapshot may be inconsistent: %w", err)
	}
	return trimmed, snapshot, &removed, nil
}
