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
	"testing"

	"github.com/google/uuid"
)

func TestAccessControlIsAllowed(t *testing.T) {
	r, _ := newTestRegistry(t)
	ac := NewAccessControl(r, "Boss@Example.com")

	// 1. No policy: everyone with an identity is allowed.
	if ok, _ := ac.IsAllowed("anyone@example.com"); !ok {
		t.Error("open default denied a user")
	}
	if ok, msg := ac.IsAllowed(""); ok || msg != "Authentication required" {
		t.Errorf("anonymous allowed: ok=%t msg=%q", ok, msg)
	}

	// 2. Deny-by-default policy with explicit allowances.
	r.UpdateAccessPolicy(&UserAccessPolicy{
		DefaultPolicy:      "deny",
		DefaultDenyMessage: "invite only",
		Admins:             []string{"admin@example.com"},
		Users: map[string]UserOverride{
			"invited@example.com": {Access: "allow"},
			"banned@example.com":  {Access: "deny"},
		},
	})

	if ok, msg := ac.IsAllowed("random@example.com"); ok || msg != "invite only" {
		t.Errorf("default deny failed: ok=%t msg=%q", ok, msg)
	}
	if ok, _ := ac.IsAllowed("invited@example.com"); !ok {
		t.Error("invited user denied")
	}
	if ok, _ := ac.IsAllowed("banned@example.com"); ok {
		t.Error("banned user allowed")
	}
	if ok, _ := ac.IsAllowed("admin@example.com"); !ok {
		t.Error("policy admin denied")
	}
	// 3. The bootstrap admin bypasses the policy, case-insensitively.
	if ok, _ := ac.IsAllowed("boss@example.com"); !ok {
		t.Error("bootstrap admin denied")
	}
}

func TestAccessControlIsAdmin(t *testing.T) {
	r, _ := newTestRegistry(t)
	ac := NewAccessControl(r, "boss@example.com")

	if !ac.IsAdmin("BOSS@example.com") {
		t.Error("bootstrap admin not recognized")
	}
	if ac.IsAdmin("user@example.com") {
		t.Error("plain user is admin without a policy")
	}
	if ac.IsAdmin("") {
		t.Error("anonymous is admin")
	}

	r.UpdateAccessPolicy(&UserAccessPolicy{Admins: []string{"Admin@Example.com"}})
	if !ac.IsAdmin("admin@example.com") {
		t.Error("policy admin not recognized")
	}
}

func TestAccessControlQuotas(t *testing.T) {
	r, _ := newTestRegistry(t)
	ac := NewAccessControl(r, "")

	// 1. No policy means no limits.
	if err := ac.CheckGameQuota("user@example.com", 1000); err != nil {
		t.Errorf("quota enforced without a policy: %v", err)
	}

	r.UpdateAccessPolicy(&UserAccessPolicy{
		DefaultMaxGames: 2,
		DefaultMaxTeams: 1,
		Users: map[string]UserOverride{
			"power@example.com": {MaxGames: 10, MaxTeams: 5},
		},
	})

	// 2. Default limits apply below and at the threshold.
	if err := ac.CheckGameQuota("user@example.com", 1); err != nil {
		t.Errorf("under-limit rejected: %v", err)
	}
	if err := ac.CheckGameQuota("user@example.com", 2); err == nil {
		t.Error("at-limit accepted")
	}
	if err := ac.CheckTeamQuota("user@example.com", 1); err == nil {
		t.Error("team at-limit accepted")
	}

	// 3. Per-user overrides raise the limit.
	if err := ac.CheckGameQuota("power@example.com", 9); err != nil {
		t.Errorf("override rejected: %v", err)
	}
	if err := ac.CheckGameQuota("power@example.com", 10); err == nil {
		t.Error("override limit not enforced")
	}

	// 4. GetUserQuotas reflects the effective values.
	if mg, mt := ac.GetUserQuotas("power@example.com"); mg != 10 || mt != 5 {
		t.Errorf("GetUserQuotas = %d/%d, want 10/5", mg, mt)
	}
	if mg, mt := ac.GetUserQuotas("user@example.com"); mg != 2 || mt != 1 {
		t.Errorf("GetUserQuotas = %d/%d, want 2/1", mg, mt)
	}
}

func TestGetGameAccess(t *testing.T) {
	ts := newTestTeamStore(t)

	teamID := uuid.NewString()
	team := testTeam(teamID)
	team.Roles = TeamRoles{
		Admins:       []string{"teamadmin@example.com"},
		Scorekeepers: []string{"keeper@example.com"},
		Spectators:   []string{"fan@example.com"},
	}
	if err := ts.SaveTeam(team); err != nil {
		t.Fatalf("SaveTeam failed: %v", err)
	}

	game := *newTestGame()
	game.AwayTeamID = teamID
	game.Permissions.Users = map[string]string{
		"writer@example.com": "write",
		"reader@example.com": "read",
	}

	tests := []struct {
		user string
		want AccessLevel
	}{
		{"owner@example.com", AccessAdmin},
		{"OWNER@example.com", AccessAdmin},
		{"writer@example.com", AccessWrite},
		{"reader@example.com", AccessRead},
		{"teamadmin@example.com", AccessAdmin},
		{"keeper@example.com", AccessWrite},
		{"fan@example.com", AccessRead},
		{"stranger@example.com", AccessNone},
		{"", AccessNone},
	}
	for _, tc := range tests {
		if got := GetGameAccess(tc.user, game, ts); got != tc.want {
			t.Errorf("GetGameAccess(%q) = %d, want %d", tc.user, got, tc.want)
		}
	}

	// Public read opens the game to everyone.
	game.Permissions.Public = "read"
	if got := GetGameAccess("stranger@example.com", game, ts); got != AccessRead {
		t.Errorf("public access = %d, want %d", got, AccessRead)
	}
}

func TestGetTeamAccess(t *testing.T) {
	team := *testTeam(uuid.NewString())
	team.Roles = TeamRoles{
		Admins:       []string{"teamadmin@example.com"},
		Scorekeepers: []string{"keeper@example.com"},
		Spectators:   []string{"fan@example.com"},
	}

	tests := []struct {
		user string
		want AccessLevel
	}{
		{"owner@example.com", AccessAdmin},
		{"teamadmin@example.com", AccessAdmin},
		{"keeper@example.com", AccessWrite},
		{"fan@example.com", AccessRead},
		{"stranger@example.com", AccessNone},
		{"", AccessNone},
	}
	for _, tc := range tests {
		if got := GetTeamAccess(tc.user, team); got != tc.want {
			t.Errorf("GetTeamAccess(%q) = %d, want %d", tc.user, got, tc.want)
		}
	}
}

func TestGetTournamentAccess(t *testing.T) {
	tournament := Tournament{
		ID:      uuid.NewString(),
		OwnerID: "owner@example.com",
		Permissions: Permissions{
			Users: map[string]string{"writer@example.com": "write"},
		},
	}

	if got := GetTournamentAccess("owner@example.com", tournament); got != AccessAdmin {
		t.Errorf("owner = %d, want %d", got, AccessAdmin)
	}
	if got := GetTournamentAccess("writer@example.com", tournament); got != AccessWrite {
		t.Errorf("writer = %d, want %d", got, AccessWrite)
	}
	if got := GetTournamentAccess("stranger@example.com", tournament); got != AccessNone {
		t.Errorf("stranger = %d, want %d", got, AccessNone)
	}

	tournament.Permissions.Public = "read"
	if got := GetTournamentAccess("stranger@example.com", tournament); got != AccessRead {
		t.Errorf("public = %d, want %d", got, AccessRead)
	}
}

func TestNormalizeAndMaskEmail(t *testing.T) {
	if got := normalizeEmail("  User@Example.COM "); got != "user@example.com" {
		t.Errorf("normalizeEmail = %q", got)
	}
	if got := maskEmail("user@example.com"); got != "u***@example.com" {
		t.Errorf("maskEmail = %q", got)
	}
	if got := maskEmail(""); got != "<empty>" {
		t.Errorf("maskEmail(empty) = %q", got)
	}
	if got := maskEmail("not-an-email"); got != "****" {
		t.Errorf("maskEmail(bad) = %q", got)
	}
}
