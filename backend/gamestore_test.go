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

func newTestGameStore(t *testing.T) *GameStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "wbodc-test-")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return NewGameStore(tempDir, storage.New(tempDir, nil))
}

func TestGameStoreSaveLoad(t *testing.T) {
	gs := newTestGameStore(t)

	// 1. Save a game with a played-out log.
	g := newTestGame()
	if _, _, _, err := ApplyEvent(g, startCommand(uuid.NewString())); err != nil {
		t.Fatalf("game_start failed: %v", err)
	}
	if err := gs.SaveGame(g); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}

	// 2. Load it back and compare the interesting parts.
	loaded, err := gs.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame failed: %v", err)
	}
	if loaded.ID != g.ID || loaded.OwnerID != g.OwnerID || loaded.LastSeq != g.LastSeq {
		t.Errorf("loaded game differs: %+v", loaded)
	}
	if len(loaded.EventLog) != 1 || loaded.EventLog[0].Type != EventGameStart {
		t.Errorf("event log not persisted: %+v", loaded.EventLog)
	}
	if loaded.Snapshot == nil || loaded.Snapshot.Status != StatusInProgress {
		t.Errorf("snapshot not persisted: %+v", loaded.Snapshot)
	}

	// 3. Missing games report os.ErrNotExist.
	if _, err := gs.LoadGame(uuid.NewString()); !os.IsNotExist(err) {
		t.Errorf("LoadGame(missing) = %v, want not-exist", err)
	}
}

func TestGameStoreLoadNormalizes(t *testing.T) {
	gs := newTestGameStore(t)

	g := &Game{ID: testGameID, OwnerID: "owner@example.com"}
	if err := gs.SaveGame(g); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}

	loaded, err := gs.LoadGame(testGameID)
	if err != nil {
		t.Fatalf("LoadGame failed: %v", err)
	}
	if loaded.Snapshot == nil || loaded.EventLog == nil || loaded.Permissions.Users == nil {
		t.Errorf("load did not normalize: %+v", loaded)
	}
	if loaded.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", loaded.SchemaVersion, CurrentSchemaVersion)
	}
}

func TestGameStoreInMemorySaveAndFlush(t *testing.T) {
	gs := newTestGameStore(t)

	g := newTestGame()
	if err := gs.SaveGameInMemory(g, false); err != nil {
		t.Fatalf("SaveGameInMemory failed: %v", err)
	}

	// 1. Readable from cache before any disk write.
	loaded, err := gs.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame from cache failed: %v", err)
	}
	if loaded.OwnerID != g.OwnerID {
		t.Errorf("cache load differs: %+v", loaded)
	}

	// 2. A second store instance does not see it until flushed.
	other := NewGameStore(gs.DataDir, storage.New(gs.DataDir, nil))
	if _, err := other.LoadGame(g.ID); !os.IsNotExist(err) {
		t.Fatalf("unflushed game visible on disk: %v", err)
	}

	if err := gs.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if _, err := other.LoadGame(g.ID); err != nil {
		t.Errorf("flushed game not on disk: %v", err)
	}
}

func TestGameStoreDeleteLeavesTombstone(t *testing.T) {
	gs := newTestGameStore(t)

	g := newTestGame()
	if err := gs.SaveGame(g); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}
	if err := gs.DeleteGame(g.ID); err != nil {
		t.Fatalf("DeleteGame failed: %v", err)
	}

	loaded, err := gs.LoadGame(g.ID)
	if err != nil {
		t.Fatalf("LoadGame after delete failed: %v", err)
	}
	if loaded.DeletedAt == 0 || loaded.Status != "deleted" {
		t.Errorf("tombstone not written: %+v", loaded)
	}
	if loaded.OwnerID != g.OwnerID {
		t.Errorf("tombstone lost the owner: %s", loaded.OwnerID)
	}
	if len(loaded.EventLog) != 0 {
		t.Errorf("tombstone kept the event log: %d events", len(loaded.EventLog))
	}

	// Deleting a missing game is a no-op.
	if err := gs.DeleteGame(uuid.NewString()); err != nil {
		t.Errorf("DeleteGame(missing) = %v", err)
	}
}

func TestGameStorePurge(t *testing.T) {
	gs := newTestGameStore(t)

	g := newTestGame()
	if err := gs.SaveGame(g); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}
	if err := gs.PurgeGame(g.ID); err != nil {
		t.Fatalf("PurgeGame failed: %v", err)
	}
	if _, err := gs.LoadGame(g.ID); !os.IsNotExist(err) {
		t.Errorf("purged game still loadable: %v", err)
	}
}

func TestGameStoreListAllGameMetadata(t *testing.T) {
	gs := newTestGameStore(t)

	// 1. Two finished games and one dirty in-memory game.
	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		g := newTestGame()
		g.ID = uuid.NewString()
		if _, _, _, err := ApplyEvent(g, func() *EventPayload {
			c := startCommand(uuid.NewString())
			c.GameID = g.ID
			return c
		}()); err != nil {
			t.Fatalf("game_start failed: %v", err)
		}
		if err := gs.SaveGame(g); err != nil {
			t.Fatalf("SaveGame failed: %v", err)
		}
		ids[g.ID] = false
	}
	dirty := newTestGame()
	dirty.ID = uuid.NewString()
	if err := gs.SaveGameInMemory(dirty, false); err != nil {
		t.Fatalf("SaveGameInMemory failed: %v", err)
	}
	ids[dirty.ID] = false

	// 2. Every game shows up exactly once.
	for meta, err := range gs.ListAllGameMetadata() {
		if err != nil {
			t.Fatalf("ListAllGameMetadata yielded error: %v", err)
		}
		seen, ok := ids[meta.ID]
		if !ok {
			t.Errorf("unexpected game in listing: %s", meta.ID)
			continue
		}
		if seen {
			t.Errorf("game %s listed twice", meta.ID)
		}
		ids[meta.ID] = true
		if meta.OwnerID != "owner@example.com" {
			t.Errorf("metadata lost owner: %+v", meta)
		}
	}
	for id, seen := range ids {
		if !seen {
			t.Errorf("game %s missing from listing", id)
		}
	}
}

func TestGameStoreMetadataCarriesScores(t *testing.T) {
	gs := newTestGameStore(t)

	g := newTestGame()
	if _, _, _, err := ApplyEvent(g, startCommand(uuid.NewString())); err != nil {
		t.Fatalf("game_start failed: %v", err)
	}
	g.Snapshot.ScoreHome = 3
	g.Snapshot.ScoreAway = 7
	if err := gs.SaveGame(g); err != nil {
		t.Fatalf("SaveGame failed: %v", err)
	}

	for meta, err := range gs.ListAllGameMetadata() {
		if err != nil {
			t.Fatalf("ListAllGameMetadata yielded error: %v", err)
		}
		if meta.ID != g.ID {
			continue
		}
		if meta.ScoreHome != 3 || meta.ScoreAway != 7 {
			t.Errorf("metadata scores = %d-%d, want 3-7", meta.ScoreHome, meta.ScoreAway)
		}
	}
}
