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

func newTestTeamStore(t *testing.T) *TeamStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "wbodc-test-")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return NewTeamStore(tempDir, storage.New(tempDir, nil))
}

func testTeam(id string) *Team {
	return &Team{
		ID:      id,
		Name:    "The Wounded Ducks",
		OwnerID: "owner@example.com",
		Roster: []Player{
			{ID: "p1", Name: "Pat", Number: "7"},
			{ID: "p2", Name: "Sam", Nickname: "Slugger"},
		},
		Roles: TeamRoles{
			Admins:       []string{"owner@example.com"},
			Scorekeepers: []string{"keeper@example.com"},
		},
	}
}

func TestTeamStoreSaveLoad(t *testing.T) {
	ts := newTestTeamStore(t)

	id := uuid.NewString()
	if err := ts.SaveTeam(testTeam(id)); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}

	loaded, err := ts.LoadTeam(id)
	if err != nil {
		t.Fatalf("LoadTeam failed: %v", err)
	}
	if loaded.Name != "The Wounded Ducks" || loaded.OwnerID != "owner@example.com" {
		t.Errorf("loaded team differs: %+v", loaded)
	}
	if len(loaded.Roster) != 2 || loaded.Roster[1].Nickname != "Slugger" {
		t.Errorf("roster not persisted: %+v", loaded.Roster)
	}
	// normalize fills the empty role slice.
	if loaded.Roles.Spectators == nil {
		t.Error("Spectators not normalized")
	}

	if _, err := ts.LoadTeam(uuid.NewString()); !os.IsNotExist(err) {
		t.Errorf("LoadTeam(missing) = %v, want not-exist", err)
	}
}

func TestTeamLineupIDs(t *testing.T) {
	team := testTeam(uuid.NewString())
	ids := team.LineupIDs()
	if len(ids) != 2 || ids[0] != "p1" || ids[1] != "p2" {
		t.Errorf("LineupIDs = %v", ids)
	}
}

func TestTeamStoreDeleteLeavesTombstone(t *testing.T) {
	ts := newTestTeamStore(t)

	id := uuid.NewString()
	if err := ts.SaveTeam(testTeam(id)); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}
	if err := ts.DeleteTeam(id); err != nil {
		t.Fatalf("DeleteTeam failed: %v", err)
	}

	loaded, err := ts.LoadTeam(id)
	if err != nil {
		t.Fatalf("LoadTeam after delete failed: %v", err)
	}
	if loaded.Status != "deleted" || loaded.DeletedAt == 0 {
		t.Errorf("tombstone not written: %+v", loaded)
	}
	if len(loaded.Roster) != 0 {
		t.Errorf("tombstone kept the roster: %+v", loaded.Roster)
	}

	if err := ts.DeleteTeam(uuid.NewString()); err != nil {
		t.Errorf("DeleteTeam(missing) = %v", err)
	}
}

func TestTeamStorePurge(t *testing.T) {
	ts := newTestTeamStore(t)

	id := uuid.NewString()
	if err := ts.SaveTeam(testTeam(id)); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}
	if err := ts.PurgeTeam(id); err != nil {
		t.Fatalf("PurgeTeam failed: %v", err)
	}
	if _, err := ts.LoadTeam(id); !os.IsNotExist(err) {
		t.Errorf("purged team still loadable: %v", err)
	}
	if err := ts.PurgeTeam(id); err != nil {
		t.Errorf("double purge = %v", err)
	}
}

func TestTeamStoreListAllTeamMetadata(t *testing.T) {
	ts := newTestTeamStore(t)

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		if err := ts.SaveTeam(testTeam(id)); err != nil {
			t.Fatalf("SaveTeam failed: %v", err)
		}
		ids[id] = false
	}

	for meta, err := range ts.ListAllTeamMetadata() {
		if err != nil {
			t.Fatalf("ListAllTeamMetadata yielded error: %v", err)
		}
		if _, ok := ids[meta.ID]; !ok {
			t.Errorf("unexpected team: %s", meta.ID)
			continue
		}
		ids[meta.ID] = true
		if len(meta.Roles.Admins) != 1 {
			t.Errorf("metadata lost roles: %+v", meta.Roles)
		}
	}
	for id, seen := range ids {
		if !seen {
			t.Errorf("team %s missing from listing", id)
		}
	}
}
