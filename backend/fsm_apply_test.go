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
	"os"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

func newTestFSM(t *testing.T) (*FSM, *testStores) {
	t.Helper()
	st := newTestStores(t)
	r := NewRegistry(st.gs, st.ts, st.tns)
	t.Cleanup(r.StopGC)

	raftDir, err := os.MkdirTemp("", "wbodc-raft-test-")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(raftDir) })

	fsm := NewFSM(st.gs, st.ts, st.tns, r, NewHubManager(), storage.New(raftDir, nil))
	return fsm, st
}

func applyCmd(t *testing.T, fsm *FSM, index uint64, cmd RaftCommand) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return fsm.Apply(&raft.Log{Index: index, Data: data})
}

func submitEventCmd(gameID string, typ EventType, payload any) RaftCommand {
	return RaftCommand{
		Type: CmdSubmitEvent,
		Event: &EventPayload{
			GameID:    gameID,
			EventID:   uuid.NewString(),
			Type:      typ,
			Payload:   mustMarshal(payload),
			UserID:    "owner@example.com",
			CreatedAt: time.Now().UnixNano(),
		},
	}
}

func TestFSMApplySubmitEvent(t *testing.T) {
	fsm, st := newTestFSM(t)

	// 1. A game_start on a game that does not exist yet creates it.
	res := applyCmd(t, fsm, 1, submitEventCmd(testGameID, EventGameStart, testStartPayload()))
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("apply game_start failed: %v", err)
	}

	g, err := st.gs.LoadGame(testGameID)
	if err != nil {
		t.Fatalf("LoadGame failed: %v", err)
	}
	if g.LastSeq != 1 || g.Snapshot.Status != StatusInProgress {
		t.Errorf("game not started: lastSeq=%d status=%s", g.LastSeq, g.Snapshot.Status)
	}
	if g.LastRaftIndex != 1 {
		t.Errorf("LastRaftIndex = %d, want 1", g.LastRaftIndex)
	}
	if fsm.LastAppliedIndex() != 1 {
		t.Errorf("LastAppliedIndex = %d, want 1", fsm.LastAppliedIndex())
	}

	// 2. A second event advances the log.
	res = applyCmd(t, fsm, 2, submitEventCmd(testGameID, EventPitch,
		PitchPayload{Result: PitchStrike, BatterID: "away1", CatcherID: "away2"}))
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("apply pitch failed: %v", err)
	}
	g, _ = st.gs.LoadGame(testGameID)
	if g.LastSeq != 2 || g.Snapshot.Strikes != 1 {
		t.Errorf("pitch not applied: lastSeq=%d strikes=%d", g.LastSeq, g.Snapshot.Strikes)
	}

	// 3. Replaying an old index is a no-op (log replay after restart).
	res = applyCmd(t, fsm, 2, submitEventCmd(testGameID, EventPitch,
		PitchPayload{Result: PitchStrike, BatterID: "away1", CatcherID: "away2"}))
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("replayed apply errored: %v", err)
	}
	g, _ = st.gs.LoadGame(testGameID)
	if g.LastSeq != 2 || g.Snapshot.Strikes != 1 {
		t.Errorf("replay mutated state: lastSeq=%d strikes=%d", g.LastSeq, g.Snapshot.Strikes)
	}

	// 4. An event the engine rejects surfaces as an error and changes nothing.
	res = applyCmd(t, fsm, 3, submitEventCmd(testGameID, EventPitch,
		PitchPayload{Result: "knuckleball", BatterID: "away1", CatcherID: "away2"}))
	if err, ok := res.(error); !ok || err == nil {
		t.Fatal("invalid event did not error")
	}
	g, _ = st.gs.LoadGame(testGameID)
	if g.LastSeq != 2 {
		t.Errorf("rejected event advanced the log: lastSeq=%d", g.LastSeq)
	}
}

func TestFSMApplyUndoEvent(t *testing.T) {
	fsm, st := newTestFSM(t)

	applyCmd(t, fsm, 1, submitEventCmd(testGameID, EventGameStart, testStartPayload()))
	pitchCmd := submitEventCmd(testGameID, EventPitch,
		PitchPayload{Result: PitchBall, BatterID: "away1", CatcherID: "away2"})
	applyCmd(t, fsm, 2, pitchCmd)

	// 1. Undo the pitch.
	undo := RaftCommand{
		Type: CmdUndoEvent,
		Undo: &UndoCommand{
			GameID:        testGameID,
			UndoEventID:   uuid.NewString(),
			TargetEventID: pitchCmd.Event.EventID,
			Reason:        "called back",
			UserID:        "owner@example.com",
			CreatedAt:     time.Now().UnixNano(),
		},
	}
	res := applyCmd(t, fsm, 3, undo)
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("apply undo failed: %v", err)
	}

	g, err := st.gs.LoadGame(testGameID)
	if err != nil {
		t.Fatalf("LoadGame failed: %v", err)
	}
	if g.Snapshot.Balls != 0 {
		t.Errorf("Balls = %d after undo, want 0", g.Snapshot.Balls)
	}
	if len(g.EventLog) != 2 || g.EventLog[1].Type != EventUndo {
		t.Errorf("log = %d events, tail %s; want 2 with undo tail", len(g.EventLog), g.EventLog[len(g.EventLog)-1].Type)
	}
	if g.LastSeq != 3 {
		t.Errorf("LastSeq = %d, want 3", g.LastSeq)
	}

	// 2. Replaying the undo at the same index is a no-op.
	res = applyCmd(t, fsm, 3, undo)
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("replayed undo errored: %v", err)
	}
	g, _ = st.gs.LoadGame(testGameID)
	if g.LastSeq != 3 || len(g.EventLog) != 2 {
		t.Errorf("replayed undo mutated state: lastSeq=%d log=%d", g.LastSeq, len(g.EventLog))
	}

	// 3. Operation counters reflect applied work, not replays.
	ops, _ := fsm.GetMetricsJSON()["ops"].(map[string]uint64)
	if ops["event:game_start"] != 1 || ops["event:pitch"] != 1 {
		t.Errorf("event counters = %v", ops)
	}
	if ops["undo"] != 1 || ops["replay"] != 1 {
		t.Errorf("undo/replay counters = %v", ops)
	}
}

func TestFSMApplySaveGameConflict(t *testing.T) {
	fsm, st := newTestFSM(t)

	applyCmd(t, fsm, 1, submitEventCmd(testGameID, EventGameStart, testStartPayload()))
	applyCmd(t, fsm, 2, submitEventCmd(testGameID, EventPitch,
		PitchPayload{Result: PitchBall, BatterID: "away1", CatcherID: "away2"}))

	existing, err := st.gs.LoadGame(testGameID)
	if err != nil {
		t.Fatalf("LoadGame failed: %v", err)
	}

	saveCmd := func(g *Game, force bool) RaftCommand {
		data := mustMarshal(g)
		return RaftCommand{Type: CmdSaveGame, ID: g.ID, GameData: &data, Force: force}
	}

	// 1. Saving a shorter log is a conflict.
	forked := *existing
	forked.EventLog = existing.EventLog[:1]
	res := applyCmd(t, fsm, 3, saveCmd(&forked, false))
	err, ok := res.(error)
	if !ok || !errors.Is(err, ErrConflict) {
		t.Fatalf("shrunk log accepted: %v", res)
	}

	// 2. A save that extends the log is fine.
	extended := *existing
	extended.Name = "Renamed Game"
	res = applyCmd(t, fsm, 4, saveCmd(&extended, false))
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("extending save rejected: %v", err)
	}
	g, _ := st.gs.LoadGame(testGameID)
	if g.Name != "Renamed Game" {
		t.Errorf("Name = %q, want Renamed Game", g.Name)
	}

	// 3. Force overrides the conflict check.
	res = applyCmd(t, fsm, 5, saveCmd(&forked, true))
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("forced save rejected: %v", err)
	}
	g, _ = st.gs.LoadGame(testGameID)
	if len(g.EventLog) != 1 {
		t.Errorf("forced save did not overwrite: %d events", len(g.EventLog))
	}
}

func TestFSMApplyTeamAndTournament(t *testing.T) {
	fsm, st := newTestFSM(t)

	// 1. Save a team through the log.
	teamID := uuid.NewString()
	team := testTeam(teamID)
	teamData := mustMarshal(team)
	res := applyCmd(t, fsm, 1, RaftCommand{Type: CmdSaveTeam, ID: teamID, TeamData: &teamData})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("save team failed: %v", err)
	}
	loaded, err := st.ts.LoadTeam(teamID)
	if err != nil {
		t.Fatalf("LoadTeam failed: %v", err)
	}
	if loaded.LastRaftIndex != 1 {
		t.Errorf("team LastRaftIndex = %d, want 1", loaded.LastRaftIndex)
	}

	// 2. Save and delete a tournament.
	tournamentID := uuid.NewString()
	tData := mustMarshal(&Tournament{ID: tournamentID, Name: "Cup", OwnerID: "owner@example.com"})
	res = applyCmd(t, fsm, 2, RaftCommand{Type: CmdSaveTournament, ID: tournamentID, TournamentData: &tData})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("save tournament failed: %v", err)
	}
	res = applyCmd(t, fsm, 3, RaftCommand{Type: CmdDeleteTournament, ID: tournamentID})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("delete tournament failed: %v", err)
	}
	tn, err := st.tns.LoadTournament(tournamentID)
	if err != nil {
		t.Fatalf("LoadTournament failed: %v", err)
	}
	if tn.Status != "deleted" {
		t.Errorf("tournament not tombstoned: %+v", tn)
	}

	// 3. Delete the team.
	res = applyCmd(t, fsm, 4, RaftCommand{Type: CmdDeleteTeam, ID: teamID})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("delete team failed: %v", err)
	}
	loaded, _ = st.ts.LoadTeam(teamID)
	if loaded.Status != "deleted" {
		t.Errorf("team not tombstoned: %+v", loaded)
	}
}

func TestFSMApplyDeleteGame(t *testing.T) {
	fsm, st := newTestFSM(t)

	applyCmd(t, fsm, 1, submitEventCmd(testGameID, EventGameStart, testStartPayload()))
	res := applyCmd(t, fsm, 2, RaftCommand{Type: CmdDeleteGame, ID: testGameID})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("delete game failed: %v", err)
	}

	g, err := st.gs.LoadGame(testGameID)
	if err != nil {
		t.Fatalf("LoadGame failed: %v", err)
	}
	if g.DeletedAt == 0 || g.Status != "deleted" {
		t.Errorf("game not tombstoned: %+v", g)
	}
}

func TestFSMApplyAccessPolicy(t *testing.T) {
	fsm, _ := newTestFSM(t)

	policy := &UserAccessPolicy{DefaultPolicy: "deny", DefaultDenyMessage: "closed"}
	res := applyCmd(t, fsm, 1, RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: policy})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("apply policy failed: %v", err)
	}

	got := fsm.r.GetAccessPolicy()
	if got == nil || got.DefaultPolicy != "deny" {
		t.Errorf("policy not applied: %+v", got)
	}
}

func TestFSMApplyNodeMeta(t *testing.T) {
	fsm, _ := newTestFSM(t)

	meta := &NodeMeta{NodeID: "node-a", HttpAddr: "10.0.0.1:8080", AppVersion: CurrentAppVersion}
	res := applyCmd(t, fsm, 1, RaftCommand{Type: CmdNodeMeta, NodeMeta: meta})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("apply node meta failed: %v", err)
	}
	if got := fsm.GetNodeAddr("node-a"); got != "10.0.0.1:8080" {
		t.Errorf("GetNodeAddr = %q", got)
	}
	if fsm.GetNodeCount() != 1 {
		t.Errorf("GetNodeCount = %d, want 1", fsm.GetNodeCount())
	}

	res = applyCmd(t, fsm, 2, RaftCommand{Type: CmdNodeLeft, NodeMeta: meta})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("apply node left failed: %v", err)
	}
	if fsm.GetNodeCount() != 0 {
		t.Errorf("GetNodeCount after leave = %d, want 0", fsm.GetNodeCount())
	}
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	fsm, _ := newTestFSM(t)
	res := applyCmd(t, fsm, 1, RaftCommand{Type: CommandType("REWIND_TIME")})
	if err, ok := res.(error); !ok || err == nil {
		t.Fatal("unknown command did not error")
	}
}
