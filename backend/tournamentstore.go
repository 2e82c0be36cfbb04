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
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// TournamentStanding is one team's won/lost record within a tournament.
type TournamentStanding struct {
	TeamID   string `json:"teamId"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
	RunsFor  int    `json:"runsFor"`
	RunsVs   int    `json:"runsVs"`
	Finished int    `json:"finished"` // games completed
}

// Tournament groups a set of games and tracks standings as games complete.
type Tournament struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name,omitempty"`
	Location      string `json:"location,omitempty"`
	StartDate     string `json:"startDate,omitempty"`
	EndDate       string `json:"endDate,omitempty"`

	TeamIDs   []string             `json:"teamIds,omitempty"`
	GameIDs   []string             `json:"gameIds,omitempty"`
	Standings []TournamentStanding `json:"standings,omitempty"`

	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions,omitempty"`
	UpdatedAt   int64       `json:"updatedAt,omitempty"`

	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied to
	// this tournament. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (t *Tournament) normalize() {
	if t.SchemaVersion == 0 {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if t.Permissions.Users == nil {
		t.Permissions.Users = make(map[string]string)
	}
	if t.TeamIDs == nil {
		t.TeamIDs = make([]string, 0)
	}
	if t.GameIDs == nil {
		t.GameIDs = make([]string, 0)
	}
	if t.Standings == nil {
		t.Standings = make([]TournamentStanding, 0)
	}
}

// RecordResult folds one completed game into the standings.
func (t *Tournament) RecordResult(homeTeamID string, awayTeamID string, scoreHome, scoreAway int) {
	idx := func(teamID string) int {
		for i := range t.Standings {
			if t.Standings[i].TeamID == teamID {
				return i
			}
		}
		t.Standings = append(t.Standings, TournamentStanding{TeamID: teamID})
		return len(t.Standings) - 1
	}
	// Resolve both indices before taking pointers: the second lookup may
	// append and reallocate the slice.
	hi, ai := idx(homeTeamID), idx(awayTeamID)
	home, away := &t.Standings[hi], &t.Standings[ai]
	home.RunsFor += scoreHome
	home.RunsVs += scoreAway
	home.Finished++
	away.RunsFor += scoreAway
	away.RunsVs += scoreHome
	away.Finished++
	if scoreHome > scoreAway {
		home.Wins++
		away.Losses++
	} else {
		away.Wins++
		home.Losses++
	}
}

// TournamentStore manages tournament persistence to disk.
type TournamentStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // *sync.Mutex per tournamentId to protect writes
}

// NewTournamentStore creates a new TournamentStore.
func NewTournamentStore(dataDir string, s *storage.Storage) *TournamentStore {
	return &TournamentStore{
		DataDir: dataDir,
		storage: s,
	}
}

// SaveTournament saves the tournament data atomically.
func (ts *TournamentStore) SaveTournament(t *Tournament) error {
	m, _ := ts.mu.LoadOrStore(t.ID, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	encodedId := url.PathEscape(t.ID)
	filename := filepath.Join("tournaments", fmt.Sprintf("%s.json", encodedId))

	if err := ts.storage.SaveDataFile(filename, t); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// LoadTournament loads the tournament data by ID.
func (ts *TournamentStore) LoadTournament(id string) (*Tournament, error) {
	encodedId := url.PathEscape(id)
	filename := filepath.Join("tournaments", fmt.Sprintf("%s.json", encodedId))

	var t Tournament
	err := ts.storage.ReadDataFile(filename, &t)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	t.normalize()

	return &t, nil
}

// LoadTournamentAsJSON is a helper for API handlers that just want bytes.
func (ts *TournamentStore) LoadTournamentAsJSON(id string) ([]byte, error) {
	t, err := ts.LoadTournament(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// ListAllTournaments returns an iterator over all tournaments.
func (ts *TournamentStore) ListAllTournaments() iter.Seq2[*Tournament, error] {
	return func(yield func(*Tournament, error) bool) {
		dir := filepath.Join(ts.DataDir, "tournaments")
		files, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read tournaments directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if !file.IsDir() && strings.HasSuffix(file.Name(), ".json") {
				encodedId := strings.TrimSuffix(file.Name(), ".json")
				id, err := url.PathUnescape(encodedId)
				if err != nil {
					continue
				}

				t, err := ts.LoadTournament(id)
				if err != nil {
					log.Printf("Warning: could not load tournament '%s': %v", id, err)
					continue
				}
				if !yield(t, nil) {
					return
				}
			}
		}
	}
}

// DeleteTournament deletes a tournament by overwriting it with a tombstone.
func (ts *TournamentStore) DeleteTournament(id string) error {
	t, err := ts.LoadTournament(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := ts.mu.LoadOrStore(id, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Tournament{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       t.OwnerID,
		Status:        "deleted",
		DeletedAt:     time.Now().UnixNano(),
	}

	encodedId := url.PathEscape(id)
	filename := filepath.Join("tournaments", fmt.Sprintf("%s.json", encodedId))

	if err := ts.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}
	return nil
}

// PurgeTournament permanently deletes the tournament file.
func (ts *TournamentStore) PurgeTournament(id string) error {
	m, _ := ts.mu.LoadOrStore(id, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	encodedId := url.PathEscape(id)
	filename := filepath.Join("tournaments", fmt.Sprintf("%s.json", encodedId))
	fullPath := filepath.Join(ts.DataDir, filename)

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not purge tournament file: %w", err)
	}
	return nil
}
