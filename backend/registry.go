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
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jesselusa/wbodc-baseball-sub002/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry maintains the in-memory index of games, teams and tournaments:
// who can see what, without scanning files per request. The index is rebuilt
// from metadata sidecars at startup and kept current by the FSM on every
// apply. Tournament volumes are small enough that no persistent index is
// kept.
type Registry struct {
	gameStore       *GameStore
	teamStore       *TeamStore
	tournamentStore *TournamentStore

	mu sync.RWMutex

	// Per-user access index. Key "" holds public entries.
	gameAccess map[string]map[string]AccessLevel
	teamAccess map[string]map[string]AccessLevel
	// Games linked to a team, for role inheritance in listings.
	teamGames map[string]map[string]bool

	// Metadata cache for sorting/filtering (LRU).
	// Also acts as tombstone cache (Status="deleted").
	gameMetadata *lru.Cache[string, GameMetadata]
	teamMetadata *lru.Cache[string, TeamMetadata]

	gameCount int
	teamCount int

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a new Registry and builds the index by scanning the
// stores' metadata sidecars.
func NewRegistry(gs *GameStore, ts *TeamStore, tns *TournamentStore) *Registry {
	gmCache, _ := lru.New[string, GameMetadata](5000)
	tmCache, _ := lru.New[string, TeamMetadata](2000)

	r := &Registry{
		gameStore:       gs,
		teamStore:       ts,
		tournamentStore: tns,
		gameAccess:      make(map[string]map[string]AccessLevel),
		teamAccess:      make(map[string]map[string]AccessLevel),
		teamGames:       make(map[string]map[string]bool),
		gameMetadata:    gmCache,
		teamMetadata:    tmCache,
		stopChan:        make(chan struct{}),
	}

	r.Rebuild()
	r.StartGC()

	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// PurgeOldTombstones permanently deletes expired tombstones from disk.
func (r *Registry) PurgeOldTombstones() {
	log.Println("Registry: Garbage collection of expired tombstones started...")
	now := time.Now().UnixNano()
	cutoff := now - tombstoneTTL.Nanoseconds()

	var purgedTeams, purgedGames, purgedTournaments int

	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err == nil && t.Status == "deleted" && t.DeletedAt > 0 && t.DeletedAt < cutoff {
			if err := r.teamStore.PurgeTeam(t.ID); err == nil {
				purgedTeams++
			}
		}
	}
	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err == nil && g.Status == "deleted" && g.DeletedAt > 0 && g.DeletedAt < cutoff {
			if err := r.gameStore.PurgeGame(g.ID); err == nil {
				purgedGames++
			}
		}
	}
	for t, err := range r.tournamentStore.ListAllTournaments() {
		if err == nil && t.Status == "deleted" && t.DeletedAt > 0 && t.DeletedAt < cutoff {
			if err := r.tournamentStore.PurgeTournament(t.ID); err == nil {
				purgedTournaments++
			}
		}
	}

	if purgedTeams > 0 || purgedGames > 0 || purgedTournaments > 0 {
		log.Printf("Registry: GC complete. Purged %d games, %d teams, %d tournaments.",
			purgedGames, purgedTeams, purgedTournaments)
	}
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

// Rebuild reconstructs the entire index by scanning the underlying stores.
func (r *Registry) Rebuild() {
	log.Println("Registry: Rebuild started...")

	r.mu.Lock()
	r.gameAccess = make(map[string]map[string]AccessLevel)
	r.teamAccess = make(map[string]map[string]AccessLevel)
	r.teamGames = make(map[string]map[string]bool)
	r.gameCount = 0
	r.teamCount = 0
	r.mu.Unlock()

	now := time.Now().UnixNano()
	cutoff := now - tombstoneTTL.Nanoseconds()

	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing teams: %v", err)
			break
		}
		if t.Status == "deleted" && t.DeletedAt > 0 && t.DeletedAt < cutoff {
			r.teamStore.PurgeTeam(t.ID)
			continue
		}
		r.indexTeam(t)
	}

	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing games: %v", err)
			break
		}
		if g.Status == "deleted" && g.DeletedAt > 0 && g.DeletedAt < cutoff {
			r.gameStore.PurgeGame(g.ID)
			continue
		}
		r.indexGame(g)
	}

	r.mu.RLock()
	log.Printf("Registry: Rebuild complete. Indexed %d games, %d teams.", r.gameCount, r.teamCount)
	r.mu.RUnlock()
}

func (r *Registry) indexTeam(t TeamMetadata) {
	r.teamMetadata.Add(t.ID, t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Status == "deleted" {
		for _, m := range r.teamAccess {
			delete(m, t.ID)
		}
		return
	}
	r.teamCount++

	grant := func(userId string, level AccessLevel) {
		userId = normalizeEmail(userId)
		if userId == "" {
			return
		}
		m, ok := r.teamAccess[userId]
		if !ok {
			m = make(map[string]AccessLevel)
			r.teamAccess[userId] = m
		}
		if level > m[t.ID] {
			m[t.ID] = level
		}
	}

	grant(t.OwnerID, AccessAdmin)
	for _, u := range t.Roles.Admins {
		grant(u, AccessAdmin)
	}
	for _, u := range t.Roles.Scorekeepers {
		grant(u, AccessWrite)
	}
	for _, u := range t.Roles.Spectators {
		grant(u, AccessRead)
	}
}

func (r *Registry) indexGame(g GameMetadata) {
	r.gameMetadata.Add(g.ID, g)

	r.mu.Lock()
	defer r.mu.Unlock()

	if g.Status == "deleted" {
		for _, m := range r.gameAccess {
			delete(m, g.ID)
		}
		for _, m := range r.teamGames {
			delete(m, g.ID)
		}
		return
	}
	r.gameCount++

	grant := func(userId string, level AccessLevel) {
		m, ok := r.gameAccess[userId]
		if !ok {
			m = make(map[string]AccessLevel)
			r.gameAccess[userId] = m
		}
		if level > m[g.ID] {
			m[g.ID] = level
		}
	}

	if owner := normalizeEmail(g.OwnerID); owner != "" {
		grant(owner, AccessAdmin)
	}
	for u, role := range g.Permissions.Users {
		u = normalizeEmail(u)
		if u == "" {
			continue
		}
		switch role {
		case "write":
			grant(u, AccessWrite)
		case "read":
			grant(u, AccessRead)
		}
	}
	if g.Permissions.Public == "read" {
		grant("", AccessRead)
	}

	link := func(teamId string) {
		if teamId == "" {
			return
		}
		m, ok := r.teamGames[teamId]
		if !ok {
			m = make(map[string]bool)
			r.teamGames[teamId] = m
		}
		m[g.ID] = true
	}
	link(g.HomeTeamID)
	link(g.AwayTeamID)
}

// UpdateGame refreshes the index entry for one game.
func (r *Registry) UpdateGame(g *Game) {
	if r.GameExists(g.ID) {
		r.mu.Lock()
		r.gameCount--
		r.mu.Unlock()
	}
	r.indexGame(gameMetadataOf(g))
}

// UpdateTeam refreshes the index entry for one team.
func (r *Registry) UpdateTeam(t *Team) {
	if r.TeamExists(t.ID) {
		r.mu.Lock()
		r.teamCount--
		r.mu.Unlock()
	}
	r.indexTeam(TeamMetadata{
		ID:        t.ID,
		Name:      t.Name,
		OwnerID:   t.OwnerID,
		Roles:     t.Roles,
		UpdatedAt: t.UpdatedAt,
		Status:    t.Status,
		DeletedAt: t.DeletedAt,
	})
}

// DeleteGame marks a game deleted in the index.
func (r *Registry) DeleteGame(gameId string) {
	meta, ok := r.gameMetadata.Get(gameId)
	if !ok {
		meta = GameMetadata{ID: gameId}
	}
	meta.Status = "deleted"
	meta.DeletedAt = time.Now().UnixNano()
	r.indexGame(meta)
	r.mu.Lock()
	if r.gameCount > 0 {
		r.gameCount--
	}
	r.mu.Unlock()
}

// DeleteTeam marks a team deleted in the index.
func (r *Registry) DeleteTeam(teamId string) {
	meta, ok := r.teamMetadata.Get(teamId)
	if !ok {
		meta = TeamMetadata{ID: teamId}
	}
	meta.Status = "deleted"
	meta.DeletedAt = time.Now().UnixNano()
	r.indexTeam(meta)
	r.mu.Lock()
	if r.teamCount > 0 {
		r.teamCount--
	}
	r.mu.Unlock()
}

// IsGameDeleted reports whether the cached metadata marks the game deleted.
func (r *Registry) IsGameDeleted(id string) bool {
	if m, ok := r.gameMetadata.Get(id); ok {
		return m.Status == "deleted"
	}
	return false
}

// IsTeamDeleted reports whether the cached metadata marks the team deleted.
func (r *Registry) IsTeamDeleted(id string) bool {
	if m, ok := r.teamMetadata.Get(id); ok {
		return m.Status == "deleted"
	}
	return false
}

// GameExists reports whether the game is indexed and not deleted.
func (r *Registry) GameExists(id string) bool {
	if m, ok := r.gameMetadata.Get(id); ok {
		return m.Status != "deleted"
	}
	return false
}

// TeamExists reports whether the team is indexed and not deleted.
func (r *Registry) TeamExists(id string) bool {
	if m, ok := r.teamMetadata.Get(id); ok {
		return m.Status != "deleted"
	}
	return false
}

// GetAccessLevel returns the indexed access level for a user on a game,
// including team role inheritance and public access.
func (r *Registry) GetAccessLevel(userId, gameId string) AccessLevel {
	userId = normalizeEmail(userId)

	r.mu.RLock()
	defer r.mu.RUnlock()

	level := AccessNone
	if m, ok := r.gameAccess[userId]; ok {
		if l, ok := m[gameId]; ok && l > level {
			level = l
		}
	}
	if m, ok := r.gameAccess[""]; ok {
		if l, ok := m[gameId]; ok && l > level {
			level = l
		}
	}
	// Team inheritance: role level on a linked team applies to its games.
	if userId != "" {
		for teamId, l := range r.teamAccess[userId] {
			if l <= level {
				continue
			}
			if r.teamGames[teamId][gameId] {
				level = l
			}
		}
	}
	return level
}

// HasGameAccess reports whether the user may read the game.
func (r *Registry) HasGameAccess(userId, gameId string) bool {
	return r.GetAccessLevel(userId, gameId) >= AccessRead
}

// HasTeamAccess reports whether the user may read the team.
func (r *Registry) HasTeamAccess(userId, teamId string) bool {
	userId = normalizeEmail(userId)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.teamAccess[userId]; ok && m[teamId] >= AccessRead {
		return true
	}
	return false
}

// CountOwnedGames counts non-deleted games owned by the user.
func (r *Registry) CountOwnedGames(userId string) int {
	userId = normalizeEmail(userId)
	count := 0
	for g, err := range r.gameStore.ListAllGameMetadata() {
		if err != nil {
			break
		}
		if g.Status != "deleted" && normalizeEmail(g.OwnerID) == userId {
			count++
		}
	}
	return count
}

// CountOwnedTeams counts non-deleted teams owned by the user.
func (r *Registry) CountOwnedTeams(userId string) int {
	userId = normalizeEmail(userId)
	count := 0
	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err != nil {
			break
		}
		if t.Status != "deleted" && normalizeEmail(t.OwnerID) == userId {
			count++
		}
	}
	return count
}

// CountTotalGames returns the number of indexed games.
func (r *Registry) CountTotalGames() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gameCount
}

// CountTotalTeams returns the number of indexed teams.
func (r *Registry) CountTotalTeams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teamCount
}

// ListGames returns the ids of games visible to the user, filtered by the
// search query and sorted.
func (r *Registry) ListGames(userId, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "name"
	}
	if order == "" {
		order = "asc"
	}

	q := search.Parse(query)
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i := range q.Filters {
		q.Filters[i].Value = strings.ToLower(q.Filters[i].Value)
	}

	userId = normalizeEmail(userId)

	getMeta := func(id string) (GameMetadata, bool) {
		if m, ok := r.gameMetadata.Get(id); ok {
			return m, true
		}
		g, err := r.gameStore.LoadGame(id)
		if err != nil {
			return GameMetadata{}, false
		}
		m := gameMetadataOf(g)
		r.gameMetadata.Add(id, m)
		return m, true
	}

	r.mu.RLock()
	candidates := make(map[string]bool)
	for id := range r.gameAccess[userId] {
		candidates[id] = true
	}
	for id := range r.gameAccess[""] {
		candidates[id] = true
	}
	for teamId := range r.teamAccess[userId] {
		for id := range r.teamGames[teamId] {
			candidates[id] = true
		}
	}
	r.mu.RUnlock()

	var ids []string
	for id := range candidates {
		meta, ok := getMeta(id)
		if !ok || meta.Status == "deleted" || !matchesGame(meta, q) {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		m1, ok1 := getMeta(ids[i])
		m2, ok2 := getMeta(ids[j])
		less := ids[i] < ids[j]
		if ok1 && ok2 {
			switch sortBy {
			case "name":
				if m1.Name != m2.Name {
					less = m1.Name < m2.Name
				}
			case "status":
				if m1.Status != m2.Status {
					less = m1.Status < m2.Status
				}
			}
		}
		if order == "desc" {
			return !less
		}
		return less
	})
	return ids
}

// ListTeams returns the ids of teams visible to the user, filtered by the
// search query and sorted.
func (r *Registry) ListTeams(userId, sortBy, order, query string) []string {
	if sortBy == "" {
		sortBy = "name"
	}
	if order == "" {
		order = "asc"
	}

	q := search.Parse(query)
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i := range q.Filters {
		q.Filters[i].Value = strings.ToLower(q.Filters[i].Value)
	}

	userId = normalizeEmail(userId)

	getMeta := func(id string) (TeamMetadata, bool) {
		if m, ok := r.teamMetadata.Get(id); ok {
			return m, true
		}
		t, err := r.teamStore.LoadTeam(id)
		if err != nil {
			return TeamMetadata{}, false
		}
		m := TeamMetadata{ID: t.ID, Name: t.Name, OwnerID: t.OwnerID, Roles: t.Roles, UpdatedAt: t.UpdatedAt, Status: t.Status, DeletedAt: t.DeletedAt}
		r.teamMetadata.Add(id, m)
		return m, true
	}

	r.mu.RLock()
	candidates := make([]string, 0, len(r.teamAccess[userId]))
	for id := range r.teamAccess[userId] {
		candidates = append(candidates, id)
	}
	r.mu.RUnlock()

	var ids []string
	for _, id := range candidates {
		meta, ok := getMeta(id)
		if !ok || meta.Status == "deleted" || !matchesTeam(meta, q) {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		m1, ok1 := getMeta(ids[i])
		m2, ok2 := getMeta(ids[j])
		less := ids[i] < ids[j]
		if ok1 && ok2 {
			switch sortBy {
			case "name":
				if m1.Name != m2.Name {
					less = m1.Name < m2.Name
				}
			case "updated":
				if m1.UpdatedAt != m2.UpdatedAt {
					less = m1.UpdatedAt < m2.UpdatedAt
				}
			}
		}
		if order == "desc" {
			return !less
		}
		return less
	})
	return ids
}

// --- Search helpers ---

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func matchesGame(m GameMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		match := containsLower(m.Name, token) ||
			containsLower(m.HomeTeamID, token) ||
			containsLower(m.AwayTeamID, token)
		if !match {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "name":
			if !containsLower(m.Name, f.Value) {
				return false
			}
		case "status":
			if !strings.EqualFold(m.Status, f.Value) {
				return false
			}
		case "tournament":
			if !strings.EqualFold(m.TournamentID, f.Value) {
				return false
			}
		case "team":
			if !strings.EqualFold(m.HomeTeamID, f.Value) && !strings.EqualFold(m.AwayTeamID, f.Value) {
				return false
			}
		}
	}
	return true
}

func matchesTeam(m TeamMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		if !containsLower(m.Name, token) {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "name":
			if !containsLower(m.Name, f.Value) {
				return false
			}
		}
	}
	return true
}
