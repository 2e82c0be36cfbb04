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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"runtime"
	"strings"
	"sync"

	"github.com/hashicorp/raft"
)

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	return s.fsm.persist(sink)
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

type snapshotManifest struct {
	NodeMap     map[string]*NodeMeta `json:"nodeMap"`
	Initialized bool                 `json:"initialized"`
	RaftIndex   uint64               `json:"raftIndex"`
}

// persist writes the full state as a gzipped tar: manifest.json followed by
// one JSON file per game, team and tournament. Tombstoned records are
// included so deletions replicate too.
func (f *FSM) persist(sink io.WriteCloser) error {
	defer sink.Close()

	// Ensure all in-memory state is flushed to disk first
	if err := f.gs.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush games: %w", err)
	}

	gw := gzip.NewWriter(sink)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	// 1. Manifest
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(key, value interface{}) bool {
		nodes[key.(string)] = value.(*NodeMeta)
		return true
	})
	manifest := snapshotManifest{
		NodeMap:     nodes,
		Initialized: f.initialized.Load(),
		RaftIndex:   f.LastAppliedIndex(),
	}
	manifestBytes, _ := json.Marshal(manifest)
	if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}

	// 2. Games
	for g, err := range f.gs.ListAllGames() {
		if err != nil {
			log.Printf("Snapshot Warning: failed to load a game: %v", err)
			continue
		}
		data, err := json.Marshal(g)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal game %s: %v", g.ID, err)
			continue
		}
		name := fmt.Sprintf("games/%s.json", url.PathEscape(g.ID))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}

	// 3. Teams
	for t, err := range f.ts.ListAllTeams() {
		if err != nil {
			log.Printf("Snapshot Warning: failed to load a team: %v", err)
			continue
		}
		data, err := json.Marshal(t)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal team %s: %v", t.ID, err)
			continue
		}
		name := fmt.Sprintf("teams/%s.json", url.PathEscape(t.ID))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}

	// 4. Tournaments
	for t, err := range f.tns.ListAllTournaments() {
		if err != nil {
			log.Printf("Snapshot Warning: failed to load a tournament: %v", err)
			continue
		}
		data, err := json.Marshal(t)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal tournament %s: %v", t.ID, err)
			continue
		}
		name := fmt.Sprintf("tournaments/%s.json", url.PathEscape(t.ID))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}

	return nil
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	processedGames := make(map[string]bool)
	processedTeams := make(map[string]bool)
	processedTournaments := make(map[string]bool)
	shouldSkipRestore := false

	// Worker Pool Setup (for heavy Game/Team restore)
	numWorkers := runtime.NumCPU()
	jobs := make(chan interface{}, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-errCh:
					return
				default:
				}
				var err error
				switch v := job.(type) {
				case *Game:
					err = f.gs.SaveGame(v)
				case *Team:
					err = f.ts.SaveTeam(v)
				case *Tournament:
					err = f.tns.SaveTournament(v)
				}
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}

	teardown := func() { close(jobs); wg.Wait() }

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}

		select {
		case err := <-errCh:
			teardown()
			return err
		default:
		}

		if header.Size > 10*1024*1024 {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		if header.Name == "manifest.json" {
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				teardown()
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			if manifest.Initialized {
				f.setInitialized()
			}

			// Smart Snapshot Check: skip the data if local state is at least
			// as fresh as the snapshot.
			if f.IsInitialized() && f.storage != nil {
				var state map[string]any
				if err := f.storage.ReadDataFile("fsm_state.json", &state); err == nil {
					var localIndex uint64
					if v, ok := state["lastAppliedIndex"]; ok {
						switch val := v.(type) {
						case float64:
							localIndex = uint64(val)
						case int:
							localIndex = uint64(val)
						case int64:
							localIndex = uint64(val)
						case uint64:
							localIndex = val
						}
					}
					if localIndex >= manifest.RaftIndex && manifest.RaftIndex > 0 {
						log.Printf("Smart Restore: Local state (Index %d) is fresh enough. Skipping.", localIndex)
						shouldSkipRestore = true
					}
				}
			}
			continue
		}

		if shouldSkipRestore {
			continue
		}

		if strings.HasPrefix(header.Name, "games/") {
			var g Game
			if err := json.NewDecoder(tr).Decode(&g); err != nil {
				continue
			}
			processedGames[g.ID] = true
			select {
			case jobs <- &g:
			case err := <-errCh:
				teardown()
				return err
			}
		} else if strings.HasPrefix(header.Name, "teams/") {
			var t Team
			if err := json.NewDecoder(tr).Decode(&t); err != nil {
				continue
			}
			processedTeams[t.ID] = true
			select {
			case jobs <- &t:
			case err := <-errCh:
				teardown()
				return err
			}
		} else if strings.HasPrefix(header.Name, "tournaments/") {
			var t Tournament
			if err := json.NewDecoder(tr).Decode(&t); err != nil {
				continue
			}
			processedTournaments[t.ID] = true
			select {
			case jobs <- &t:
			case err := <-errCh:
				teardown()
				return err
			}
		}
	}

	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}

	f.saveNodes()

	if shouldSkipRestore {
		return nil
	}

	// Cleanup zombies: anything on disk the snapshot no longer contains.
	for m, err := range f.gs.ListAllGameMetadata() {
		if err != nil {
			log.Printf("Restore Cleanup Warning: failed to list games for zombie cleanup: %v", err)
			break
		}
		if !processedGames[m.ID] {
			f.gs.PurgeGame(m.ID)
		}
	}
	for m, err := range f.ts.ListAllTeamMetadata() {
		if err != nil {
			log.Printf("Restore Cleanup Warning: failed to list teams for zombie cleanup: %v", err)
			break
		}
		if !processedTeams[m.ID] {
			f.ts.PurgeTeam(m.ID)
		}
	}
	for t, err := range f.tns.ListAllTournaments() {
		if err != nil {
			log.Printf("Restore Cleanup Warning: failed to list tournaments for zombie cleanup: %v", err)
			break
		}
		if !processedTournaments[t.ID] {
			f.tns.PurgeTournament(t.ID)
		}
	}

	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
