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

type testStores struct {
	gs  *GameStore
	ts  *TeamStore
	tns *TournamentStore
}

func newTestStores(t *testing.T) *testStores {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "wbodc-test-")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	s := storage.New(tempDir, nil)
	return &testStores{
		gs:  NewGameStore(tempDir, s),
		ts:  NewTeamStore(tempDir, s),
		tns: NewTournamentStore(tempDir, s),
	}
}

func newTestRegistry(t *testing.T) (*Registry, *testStores) {
	t.Helper()
	st := newTestStores(t)
	r := NewRegistry(st.gs, st.ts, st.tns)
	t.Cleanup(r.StopGC)
	return r, st
}

func TestRegistryRebuildFromDisk(t *testing.T) {
	st := newTestStores(t)

	// 1. Write games and a team before the registry exists.
	owned := newTestGame()
	owned.ID = uuid.NewString()
	if err := st.gs.SaveGame(owned); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}

	public := newTestGame()
	public.ID = uuid.NewString()
	public.OwnerID = "else@example.com"
	public.Permissions.Public = "read"
	if err := st.gs.SaveGame(public); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}

	teamID := uuid.NewString()
	if err := st.ts.SaveTeam(testTeam(teamID)); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}

	// 2. A fresh registry indexes everything from the sidecars.
	r := NewRegistry(st.gs, st.ts, st.tns)
	defer r.StopGC()

	if r.CountTotalGames() != 2 || r.CountTotalTeams() != 1 {
		t.Errorf("counts = %d games / %d teams, want 2/1", r.CountTotalGames(), r.CountTotalTeams())
	}
	if got := r.GetAccessLevel("owner@example.com", owned.ID); got != AccessAdmin {
		t.Errorf("owner access = %d, want %d", got, AccessAdmin)
	}
	if got := r.GetAccessLevel("stranger@example.com", public.ID); got != AccessRead {
		t.Errorf("public access = %d, want %d", got, AccessRead)
	}
	if got := r.GetAccessLevel("stranger@example.com", owned.ID); got != AccessNone {
		t.Errorf("stranger access = %d, want %d", got, AccessNone)
	}
}

func TestRegistryUpdateGameGrants(t *testing.T) {
	r, _ := newTestRegistry(t)

	g := newTestGame()
	g.Permissions.Users = map[string]string{
		"Writer@Example.com": "write",
		"reader@example.com": "read",
	}
	r.UpdateGame(g)

	if got := r.GetAccessLevel("writer@example.com", g.ID); got != AccessWrite {
		t.Errorf("writer access = %d, want %d (emails are case-insensitive)", got, AccessWrite)
	}
	if got := r.GetAccessLevel("reader@example.com", g.ID); got != AccessRead {
		t.Errorf("reader access = %d, want %d", got, AccessRead)
	}
	if !r.GameExists(g.ID) {
		t.Error("GameExists = false after UpdateGame")
	}

	// Updating again keeps the count stable.
	r.UpdateGame(g)
	if r.CountTotalGames() != 1 {
		t.Errorf("CountTotalGames = %d, want 1", r.CountTotalGames())
	}
}

func TestRegistryTeamRoleInheritance(t *testing.T) {
	r, _ := newTestRegistry(t)

	teamID := uuid.NewString()
	team := testTeam(teamID)
	team.Roles.Scorekeepers = []string{"keeper@example.com"}
	team.Roles.Spectators = []string{"fan@example.com"}
	r.UpdateTeam(team)

	g := newTestGame()
	g.HomeTeamID = teamID
	r.UpdateGame(g)

	// Team roles carry over to the team's games.
	if got := r.GetAccessLevel("keeper@example.com", g.ID); got != AccessWrite {
		t.Errorf("scorekeeper access = %d, want %d", got, AccessWrite)
	}
	if got := r.GetAccessLevel("fan@example.com", g.ID); got != AccessRead {
		t.Errorf("spectator access = %d, want %d", got, AccessRead)
	}
	if !r.HasTeamAccess("fan@example.com", teamID) {
		t.Error("HasTeamAccess = false for spectator")
	}
}

func TestRegistryDeleteGame(t *testing.T) {
	r, _ := newTestRegistry(t)

	g := newTestGame()
	r.UpdateGame(g)
	r.DeleteGame(g.ID)

	if r.GameExists(g.ID) {
		t.Error("GameExists = true after delete")
	}
	if !r.IsGameDeleted(g.ID) {
		t.Error("IsGameDeleted = false after delete")
	}
	if got := r.GetAccessLevel("owner@example.com", g.ID); got != AccessNone {
		t.Errorf("owner access after delete = %d, want %d", got, AccessNone)
	}
	if r.CountTotalGames() != 0 {
		t.Errorf("CountTotalGames = %d, want 0", r.CountTotalGames())
	}
}

func TestRegistryListGames(t *testing.T) {
	r, _ := newTestRegistry(t)

	mk := func(name, owner string) *Game {
		g := newTestGame()
		g.ID = uuid.NewString()
		g.Name = name
		g.OwnerID = owner
		r.UpdateGame(g)
		return g
	}

	a := mk("Alpha Match", "owner@example.com")
	z := mk("Zulu Match", "owner@example.com")
	mk("Hidden Match", "else@example.com")

	// 1. Only visible games, sorted by name ascending by default.
	ids := r.ListGames("owner@example.com", "", "", "")
	if len(ids) != 2 || ids[0] != a.ID || ids[1] != z.ID {
		t.Errorf("ListGames = %v, want [%s %s]", ids, a.ID, z.ID)
	}

	// 2. Descending order flips the result.
	ids = r.ListGames("owner@example.com", "name", "desc", "")
	if len(ids) != 2 || ids[0] != z.ID {
		t.Errorf("ListGames desc = %v", ids)
	}

	// 3. Free-text search narrows by name.
	ids = r.ListGames("owner@example.com", "", "", "zulu")
	if len(ids) != 1 || ids[0] != z.ID {
		t.Errorf("ListGames(zulu) = %v", ids)
	}

	// 4. Key:value filters work on status.
	done := mk("Finished Match", "owner@example.com")
	done.Status = string(StatusCompleted)
	r.UpdateGame(done)
	ids = r.ListGames("owner@example.com", "", "", "status:completed")
	if len(ids) != 1 || ids[0] != done.ID {
		t.Errorf("ListGames(status:completed) = %v", ids)
	}
}

func TestRegistryListTeams(t *testing.T) {
	r, _ := newTestRegistry(t)

	ids := map[string]string{}
	for _, name := range []string{"Bravo", "Alpha"} {
		team := testTeam(uuid.NewString())
		team.Name = name
		r.UpdateTeam(team)
		ids[name] = team.ID
	}

	got := r.ListTeams("owner@example.com", "", "", "")
	if len(got) != 2 || got[0] != ids["Alpha"] || got[1] != ids["Bravo"] {
		t.Errorf("ListTeams = %v", got)
	}

	got = r.ListTeams("owner@example.com", "", "", "alpha")
	if len(got) != 1 || got[0] != ids["Alpha"] {
		t.Errorf("ListTeams(alpha) = %v", got)
	}

	if got := r.ListTeams("stranger@example.com", "", "", ""); len(got) != 0 {
		t.Errorf("stranger sees teams: %v", got)
	}
}

func TestRegistryCountOwned(t *testing.T) {
	r, st := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		g := newTestGame()
		g.ID = uuid.NewString()
		if err := st.gs.SaveGame(g); err != nil {
			t.Fatalf("SaveGame failed: %v", err)
		}
	}
	if err := st.ts.SaveTeam(testTeam(uuid.NewString())); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}

	if n := r.CountOwnedGames("owner@example.com"); n != 3 {
		t.Errorf("CountOwnedGames = %d, want 3", n)
	}
	if n := r.CountOwnedTeams("owner@example.com"); n != 1 {
		t.Errorf("CountOwnedTeams = %d, want 1", n)
	}
	if n := r.CountOwnedGames("stranger@example.com"); n != 0 {
		t.Errorf("CountOwnedGames(stranger) = %d, want 0", n)
	}
}

func TestRegistryAccessPolicy(t *testing.T) {
	r, _ := newTestRegistry(t)

	if r.GetAccessPolicy() != nil {
		t.Fatal("fresh registry has a policy")
	}
	policy := &UserAccessPolicy{DefaultPolicy: "deny"}
	r.UpdateAccessPolicy(policy)
	if got := r.GetAccessPolicy(); got == nil || got.DefaultPolicy != "deny" {
		t.Errorf("GetAccessPolicy = %+v", got)
	}
}
