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
	"time"

	"github.com/google/uuid"
)

// ApplyEvent appends a gameplay event to the game's log and advances the
// snapshot through the transition engine. It is the single mutation point
// shared by the Raft FSM and the standalone hub path, so both stay
// byte-identical across replicas. Returns changed=false when the event ID
// is already in the log (idempotent retry or raft log replay).
func ApplyEvent(g *Game, ep *EventPayload) (*GameEvent, []SideEffect, bool, error) {
	g.normalize()

	if ep.EventID != "" {
		if existing := g.FindEvent(ep.EventID); existing != nil {
			return existing, nil, false, nil
		}
	}

	ev := GameEvent{
		ID:              ep.EventID,
		GameID:          g.ID,
		Type:            ep.Type,
		Payload:         ep.Payload,
		UmpireID:        ep.UmpireID,
		SequenceNumber:  g.LastSeq + 1,
		PreviousEventID: ep.PreviousEventID,
		CreatedAt:       time.Unix(0, ep.CreatedAt),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PreviousEventID == "" {
		if last := g.LatestEvent(); last != nil {
			ev.PreviousEventID = last.ID
		}
	}

	next, effects, err := Transition(g.Snapshot, &ev, g.EventLog)
	if err != nil {
		return nil, nil, false, err
	}

	g.EventLog = append(g.EventLog, ev)
	g.LastSeq = ev.SequenceNumber
	g.Snapshot = next
	g.Status = string(next.Status)

	return &g.EventLog[len(g.EventLog)-1], effects, true, nil
}

// ApplyUndo removes the targeted event from the log, replays the remainder,
// and records an undo bookkeeping entry. The bookkeeping entry is skipped
// during replay; it exists so the audit trail shows who undid what and why.
func ApplyUndo(g *Game, uc *UndoCommand) (*GameEvent, bool, error) {
	g.normalize()

	// A retry after a successful undo finds its own bookkeeping entry.
	if uc.UndoEventID != "" && g.FindEvent(uc.UndoEventID) != nil {
		return g.FindEvent(uc.UndoEventID), false, nil
	}

	trimmed, snap, removed, err := UndoLastEvent(g, uc.TargetEventID)
	if err != nil {
		return nil, false, err
	}

	undoEv := GameEvent{
		ID:             uc.UndoEventID,
		GameID:         g.ID,
		Type:           EventUndo,
		Payload:        mustMarshal(UndoPayload{TargetEventID: removed.ID, Reason: uc.Reason}),
		UmpireID:       snap.UmpireID,
		SequenceNumber: g.LastSeq + 1,
		CreatedAt:      time.Unix(0, uc.CreatedAt),
	}
	if undoEv.ID == "" {
		undoEv.ID = uuid.NewString()
	}
	if len(trimmed) > 0 {
		undoEv.PreviousEventID = trimmed[len(trimmed)-1].ID
	}

	g.EventLog = append(trimmed, undoEv)
	g.LastSeq = undoEv.SequenceNumber
	g.Snapshot = snap
	g.Status = string(snap.Status)

	return &g.EventLog[len(g.EventLog)-1], true, nil
}

// recordTournamentResult folds a completed game into its tournament's
// standings. A missing tournament is not an error; exhibition games have no
// tournament attached.
func recordTournamentResult(tns *TournamentStore, g *Game) error {
	if tns == nil || g.TournamentID == "" || g.Snapshot == nil {
		return nil
	}
	t, err := tns.LoadTournament(g.TournamentID)
	if err != nil {
		return err
	}
	t.RecordResult(g.HomeTeamID, g.AwayTeamID, g.Snapshot.ScoreHome, g.Snapshot.ScoreAway)
	return tns.SaveTournament(t)
}
