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

// Permissions defines access control for a game or team.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // user id: "read"|"write"
}

// Game is the full per-game document as stored on disk: the append-only
// event log (source of truth), the derived snapshot, and scheduling and
// access metadata.
type Game struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status"`
	TournamentID  string `json:"tournamentId,omitempty"`
	HomeTeamID    string `json:"homeTeamId,omitempty"`
	AwayTeamID    string `json:"awayTeamId,omitempty"`

	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions,omitempty"`

	Snapshot *GameSnapshot `json:"snapshot,omitempty"`
	EventLog []GameEvent   `json:"eventLog,omitempty"`

	// LastSeq is the highest sequence number ever assigned in this game.
	// It only grows, so sequence numbers stay unique even after an undo
	// removes the entry that carried the previous maximum.
	LastSeq uint64 `json:"lastSeq,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the game was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied to
	// this game. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (g *Game) normalize() {
	if g.SchemaVersion == 0 {
		g.SchemaVersion = CurrentSchemaVersion
	}
	if g.Permissions.Users == nil {
		g.Permissions.Users = make(map[string]string)
	}
	if g.EventLog == nil {
		g.EventLog = make([]GameEvent, 0)
	}
	if g.Snapshot == nil {
		g.Snapshot = NewSnapshot(g.ID, g.HomeTeamID, g.AwayTeamID)
	}
}

// LatestEvent returns the last entry of the event log, or nil when empty.
func (g *Game) LatestEvent() *GameEvent {
	if len(g.EventLog) == 0 {
		return nil
	}
	return &g.EventLog[len(g.EventLog)-1]
}

// FindEvent returns the log entry with the given id, or nil.
func (g *Game) FindEvent(eventID string) *GameEvent {
	for i := range g.EventLog {
		if g.EventLog[i].ID == eventID {
			return &g.EventLog[i]
		}
	}
	return nil
}

// GameStore manages game persistence to disk.
type GameStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per gameId, protects reads and writes
	cache   sync.Map // latest []byte (JSON) per gameId

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewGameStore creates a new GameStore.
func NewGameStore(dataDir string, s *storage.Storage) *GameStore {
	return &GameStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

// SaveGame saves the game data atomically, along with its metadata sidecar.
func (gs *GameStore) SaveGame(game *Game) error {
	gameId := game.ID
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))
	metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

	if err := gs.storage.SaveDataFile(filename, game); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}

	meta := gameMetadataOf(game)
	if err := gs.storage.SaveDataFile(metaFilename, &meta); err != nil {
		// Non-fatal, listing falls back to the main file.
		log.Printf("Warning: Failed to save metadata sidecar for game %s: %v", gameId, err)
	}

	if jsonBytes, err := json.Marshal(game); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	gs.dirtyMu.Lock()
	delete(gs.dirty, gameId)
	gs.dirtyMu.Unlock()

	return nil
}

// SaveGameInMemory updates the in-memory cache and marks the game as dirty.
// If forceSync is true, it writes to disk immediately (behaving like SaveGame).
func (gs *GameStore) SaveGameInMemory(game *Game, forceSync bool) error {
	jsonBytes, err := json.Marshal(game)
	if err != nil {
		return err
	}
	gs.cache.Store(game.ID, jsonBytes)

	if forceSync {
		return gs.SaveGame(game)
	}

	gs.dirtyMu.Lock()
	gs.dirty[game.ID] = true
	gs.dirtyMu.Unlock()

	return nil
}

// Flush persists a specific game to disk if it is dirty.
func (gs *GameStore) Flush(gameId string) error {
	gs.dirtyMu.Lock()
	if !gs.dirty[gameId] {
		gs.dirtyMu.Unlock()
		return nil
	}
	gs.dirtyMu.Unlock()

	val, ok := gs.cache.Load(gameId)
	if !ok {
		// Dirty but not cached cannot be flushed. Clear the flag so we do
		// not retry forever.
		gs.dirtyMu.Lock()
		delete(gs.dirty, gameId)
		gs.dirtyMu.Unlock()
		return fmt.Errorf("game %s marked dirty but not found in cache", gameId)
	}

	var g Game
	if err := json.Unmarshal(val.([]byte), &g); err != nil {
		return fmt.Errorf("failed to unmarshal game from cache for flush: %w", err)
	}

	// SaveGame clears the dirty flag.
	return gs.SaveGame(&g)
}

// FlushAll persists all dirty games to disk.
func (gs *GameStore) FlushAll() error {
	gs.dirtyMu.Lock()
	dirtyIds := make([]string, 0, len(gs.dirty))
	for id := range gs.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	gs.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := gs.Flush(id); err != nil {
			return fmt.Errorf("failed to flush game %s: %w", id, err)
		}
	}
	return nil
}

// LoadGame loads the game data by game ID.
func (gs *GameStore) LoadGame(gameId string) (*Game, error) {
	if val, ok := gs.cache.Load(gameId); ok {
		var g Game
		if err := json.Unmarshal(val.([]byte), &g); err == nil {
			if gs.Debug {
				log.Printf("[CACHE] Hit for game %s", gameId)
			}
			g.normalize()
			return &g, nil
		}
		gs.cache.Delete(gameId)
	}
	if gs.Debug {
		log.Printf("[CACHE] Miss for game %s", gameId)
	}

	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.RLock()
	defer mutex.RUnlock()

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))

	var g Game
	err := gs.storage.ReadDataFile(filename, &g)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	g.normalize()

	if jsonBytes, err := json.Marshal(&g); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	return &g, nil
}

// LoadGameAsJSON is a helper for API handlers that just want bytes.
func (gs *GameStore) LoadGameAsJSON(gameId string) ([]byte, error) {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// DeleteGame deletes a specific game by overwriting it with a tombstone.
func (gs *GameStore) DeleteGame(gameId string) error {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Game{
		ID:            gameId,
		SchemaVersion: CurrentSchemaVersion,
		Status:        "deleted",
		OwnerID:       g.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
	}

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))
	metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

	if err := gs.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}

	meta := gameMetadataOf(tombstone)
	if err := gs.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log.Printf("Warning: Failed to save metadata tombstone for game %s: %v", gameId, err)
	}

	if jsonBytes, err := json.Marshal(tombstone); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	return nil
}

// PurgeGame permanently deletes the game file.
func (gs *GameStore) PurgeGame(gameId string) error {
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	gs.cache.Delete(gameId)

	encodedGameId := url.PathEscape(gameId)
	filename := filepath.Join("games", fmt.Sprintf("%s.json", encodedGameId))
	metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

	if err := os.Remove(filepath.Join(gs.DataDir, filename)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not purge game file: %w", err)
		}
	}
	if err := os.Remove(filepath.Join(gs.DataDir, metaFilename)); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: could not purge meta file for game %s: %v", gameId, err)
		}
	}
	return nil
}

// GameMetadata contains only the fields needed for indexing.
type GameMetadata struct {
	ID           string      `json:"id"`
	Name         string      `json:"name,omitempty"`
	OwnerID      string      `json:"ownerId"`
	Permissions  Permissions `json:"permissions"`
	TournamentID string      `json:"tournamentId,omitempty"`
	AwayTeamID   string      `json:"awayTeamId"`
	HomeTeamID   string      `json:"homeTeamId"`
	Status       string      `json:"status"`
	ScoreHome    int         `json:"scoreHome"`
	ScoreAway    int         `json:"scoreAway"`
	DeletedAt    int64       `json:"deletedAt"`
}

func gameMetadataOf(g *Game) GameMetadata {
	meta := GameMetadata{
		ID:           g.ID,
		Name:         g.Name,
		OwnerID:      g.OwnerID,
		Permissions:  g.Permissions,
		TournamentID: g.TournamentID,
		AwayTeamID:   g.AwayTeamID,
		HomeTeamID:   g.HomeTeamID,
		Status:       g.Status,
		DeletedAt:    g.DeletedAt,
	}
	if g.Snapshot != nil {
		meta.ScoreHome = g.Snapshot.ScoreHome
		meta.ScoreAway = g.Snapshot.ScoreAway
	}
	return meta
}

// ListAllGameMetadata returns metadata for all games without loading full
// event logs. Metadata sidecars are the fast path; games without one fall
// back to a full load. Dirty in-memory games are included last.
func (gs *GameStore) ListAllGameMetadata() iter.Seq2[GameMetadata, error] {
	return func(yield func(GameMetadata, error) bool) {
		gamesDir := filepath.Join(gs.DataDir, "games")
		files, err := os.ReadDir(gamesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(GameMetadata{}, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		hasMeta := make(map[string]bool)
		hasGame := make(map[string]bool)

		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if strings.HasSuffix(name, ".meta.json") {
				encodedId := strings.TrimSuffix(name, ".meta.json")
				if id, err := url.PathUnescape(encodedId); err == nil {
					hasMeta[id] = true
				}
			} else if strings.HasSuffix(name, ".json") {
				encodedId := strings.TrimSuffix(name, ".json")
				if id, err := url.PathUnescape(encodedId); err == nil {
					hasGame[id] = true
				}
			}
		}

		processed := make(map[string]bool)

		for id := range hasMeta {
			processed[id] = true

			encodedGameId := url.PathEscape(id)
			metaFilename := filepath.Join("games", fmt.Sprintf("%s.meta.json", encodedGameId))

			var meta GameMetadata
			if err := gs.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				hasGame[id] = true
				processed[id] = false
				continue
			}

			if !yield(meta, nil) {
				return
			}
		}

		for id := range hasGame {
			if processed[id] {
				continue
			}
			processed[id] = true

			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load game %s from disk: %v", id, err)
				continue
			}
			if !yield(gameMetadataOf(g), nil) {
				return
			}
		}

		// Games created in memory but not yet flushed.
		gs.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(gs.dirty))
		for id := range gs.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		gs.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if processed[id] {
				continue
			}
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty game %s: %v", id, err)
				continue
			}
			if !yield(gameMetadataOf(g), nil) {
				return
			}
		}
	}
}

// ListAllGames returns an iterator over all games in the games directory,
// with full event logs. Used by snapshotting and migrations.
func (gs *GameStore) ListAllGames() iter.Seq2[*Game, error] {
	return func(yield func(*Game, error) bool) {
		gamesDir := filepath.Join(gs.DataDir, "games")
		files, err := os.ReadDir(gamesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".meta.json") {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("ListAllGames Warning: failed to load game %s: %v", id, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}
