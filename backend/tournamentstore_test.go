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
	"os"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
)

func newTestTournamentStore(t *testing.T) *TournamentStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "wbodc-test-")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return NewTournamentStore(tempDir, storage.New(tempDir, nil))
}

func TestTournamentStoreSaveLoad(t *testing.T) {
	ts := newTestTournamentStore(t)

	id := uuid.NewString()
	tournament := &Tournament{
		ID:       id,
		Name:     "WBODC 2026",
		Location: "The Backyard",
		TeamIDs:  []string{"team-home", "team-away"},
		OwnerID:  "owner@example.com",
	}
	if err := ts.SaveTournament(tournament); err != nil {
		t.Fatalf("SaveTournament failed: %v", err)
	}

	loaded, err := ts.LoadTournament(id)
	if err != nil {
		t.Fatalf("LoadTournament failed: %v", err)
	}
	if loaded.Name != "WBODC 2026" || len(loaded.TeamIDs) != 2 {
		t.Errorf("loaded tournament differs: %+v", loaded)
	}
	if loaded.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", loaded.SchemaVersion, CurrentSchemaVersion)
	}
	if loaded.Standings == nil || loaded.GameIDs == nil {
		t.Error("normalize did not fill empty slices")
	}

	if _, err := ts.LoadTournament(uuid.NewString()); !os.IsNotExist(err) {
		t.Errorf("LoadTournament(missing) = %v, want not-exist", err)
	}
}

func TestTournamentRecordResult(t *testing.T) {
	tournament := &Tournament{ID: uuid.NewString()}

	// 1. First result: both teams enter the standings in one call. The
	// second lookup appends, so this also covers slice growth mid-update.
	tournament.RecordResult("team-home", "team-away", 5, 3)
	if len(tournament.Standings) != 2 {
		t.Fatalf("standings have %d entries, want 2", len(tournament.Standings))
	}

	find := func(teamID string) *TournamentStanding {
		t.Helper()
		for i := range tournament.Standings {
			if tournament.Standings[i].TeamID == teamID {
				return &tournament.Standings[i]
			}
		}
		t.Fatalf("team %s not in standings", teamID)
		return nil
	}

	home := find("team-home")
	if home.Wins != 1 || home.Losses != 0 || home.RunsFor != 5 || home.RunsVs != 3 || home.Finished != 1 {
		t.Errorf("home standing = %+v", *home)
	}
	away := find("team-away")
	if away.Wins != 0 || away.Losses != 1 || away.RunsFor != 3 || away.RunsVs != 5 || away.Finished != 1 {
		t.Errorf("away standing = %+v", *away)
	}

	// 2. A rematch accumulates onto the existing rows.
	tournament.RecordResult("team-home", "team-away", 2, 6)
	home, away = find("team-home"), find("team-away")
	if home.Wins != 1 || home.Losses != 1 || home.RunsFor != 7 || home.RunsVs != 9 || home.Finished != 2 {
		t.Errorf("home standing after rematch = %+v", *home)
	}
	if away.Wins != 1 || away.Losses != 1 || away.RunsFor != 9 || away.RunsVs != 7 {
		t.Errorf("away standing after rematch = %+v", *away)
	}

	// 3. A third team joins without disturbing the others.
	tournament.RecordResult("team-third", "team-away", 1, 4)
	if len(tournament.Standings) != 3 {
		t.Fatalf("standings have %d entries, want 3", len(tournament.Standings))
	}
	if third := find("team-third"); third.Wins != 0 || third.Losses != 1 {
		t.Errorf("third standing = %+v", *third)
	}
	if away = find("team-away"); away.Wins != 2 {
		t.Errorf("away Wins = %d, want 2", away.Wins)
	}
}

func TestTournamentStoreDeleteLeavesTombstone(t *testing.T) {
	ts := newTestTournamentStore(t)

	id := uuid.NewString()
	if err := ts.SaveTournament(&Tournament{ID: id, Name: "Doomed", OwnerID: "owner@example.com"}); err != nil {
		t.Fatalf("SaveTournament failed: %v", err)
	}
	if err := ts.DeleteTournament(id); err != nil {
		t.Fatalf("DeleteTournament failed: %v", err)
	}

	loaded, err := ts.LoadTournament(id)
	if err != nil {
		t.Fatalf("LoadTournament after delete failed: %v", err)
	}
	if loaded.Status != "deleted" || loaded.DeletedAt == 0 {
		t.Errorf("tombstone not written: %+v", loaded)
	}
	if loaded.Name != "" {
		t.Errorf("tombstone kept the name: %s", loaded.Name)
	}

	if err := ts.DeleteTournament(uuid.NewString()); err != nil {
		t.Errorf("DeleteTournament(missing) = %v", err)
	}
}

func TestTournamentStoreListAll(t *testing.T) {
	ts := newTestTournamentStore(t)

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		if err := ts.SaveTournament(&Tournament{ID: id, OwnerID: "owner@example.com"}); err != nil {
			t.Fatalf("SaveTournament failed: %v", err)
		}
		ids[id] = false
	}

	for tournament, err := range ts.ListAllTournaments() {
		if err != nil {
			t.Fatalf("ListAllTournaments yielded error: %v", err)
		}
		if _, ok := ids[tournament.ID]; !ok {
			t.Errorf("unexpected tournament: %s", tournament.ID)
			continue
		}
		ids[tournament.ID] = true
	}
	for id, seen := range ids {
		if !seen {
			t.Errorf("tournament %s missing from listing", id)
		}
	}
}

func TestTournamentStorePurge(t *testing.T) {
	ts := newTestTournamentStore(t)

	id := uuid.NewString()
	if err := ts.SaveTournament(&Tournament{ID: id, OwnerID: "owner@example.com"}); err != nil {
		t.Fatalf("SaveTournament failed: %v", err)
	}
	if err := ts.PurgeTournament(id); err != nil {
		t.Fatalf("PurgeTournament failed: %v", err)
	}
	if _, err := ts.LoadTournament(id); !os.IsNotExist(err) {
		t.Errorf("purged tournament still loadable: %v", err)
	}
}
