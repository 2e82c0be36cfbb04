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
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

var ErrConflict = errors.New("conflict detected")

// FSM implements the raft.FSM interface. All replicated mutations of games,
// teams and tournaments funnel through Apply, so every node derives the same
// state from the same log.
type FSM struct {
	gs          *GameStore
	ts          *TeamStore
	tns         *TournamentStore
	r           *Registry
	hm          *HubManager
	storage     *storage.Storage
	initialized atomic.Bool
	rm          *RaftManager

	metricsMu sync.RWMutex
	metrics   *MetricsStore // Monitoring Data

	// Local (non-replicated) counters of applied operations, by kind.
	opsMu sync.Mutex
	ops   map[string]uint64

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(gs *GameStore, ts *TeamStore, tns *TournamentStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		gs:      gs,
		ts:      ts,
		tns:     tns,
		r:       r,
		hm:      hm,
		storage: s,
		metrics: NewMetricsStore(),
	}
	if s != nil {
		if _, err := os.Stat(filepath.Join(s.Dir(), "initialized")); err == nil {
			f.initialized.Store(true)
		}
		f.loadNodes()
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) GetMetricsJSON() map[string]interface{} {
	f.metricsMu.RLock()
	out := f.metrics.ToJSON()
	f.metricsMu.RUnlock()
	out["ops"] = f.opCounts()
	return out
}

// countOp tracks applied operations for the metrics endpoint.
func (f *FSM) countOp(name string) {
	f.opsMu.Lock()
	if f.ops == nil {
		f.ops = make(map[string]uint64)
	}
	f.ops[name]++
	f.opsMu.Unlock()
}

func (f *FSM) opCounts() map[string]uint64 {
	f.opsMu.Lock()
	defer f.opsMu.Unlock()
	out := make(map[string]uint64, len(f.ops))
	for k, v := range f.ops {
		out[k] = v
	}
	return out
}

func (f *FSM) GetTotalGames() int {
	return f.r.CountTotalGames()
}

func (f *FSM) GetTotalTeams() int {
	return f.r.CountTotalTeams()
}

// GetActiveGames counts games currently in progress. Tournament volumes are
// small, so a metadata scan per metrics cycle is fine.
func (f *FSM) GetActiveGames() int {
	count := 0
	for m, err := range f.gs.ListAllGameMetadata() {
		if err != nil {
			break
		}
		if m.Status == string(StatusInProgress) {
			count++
		}
	}
	return count
}

func (f *FSM) GetActiveWSCount() int {
	if f.hm == nil {
		return 0
	}
	return f.hm.GetTotalConnectionCount()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile("nodes.json", &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read nodes.json: %v", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v interface{}) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	if err := f.storage.SaveDataFile("nodes.json", nodes); err != nil {
		log.Printf("FSM Error: failed to save nodes.json: %v", err)
	}
}

// applyNodeMeta records a node's address mapping outside the Raft log. Used at
// startup so a node knows its own HTTP address before the first proposal lands.
func (f *FSM) applyNodeMeta(nodeID string, nodeInfo []byte) error {
	var meta NodeMeta
	if err := json.Unmarshal(nodeInfo, &meta); err != nil {
		return fmt.Errorf("invalid node meta: %w", err)
	}
	f.nodeMap.Store(meta.NodeID, &meta)
	f.saveNodes()
	if f.rm != nil && nodeID != f.rm.NodeID {
		f.setInitialized()
	}
	return nil
}

// IsInitialized returns true if the node has joined a cluster (processed a NodeMeta from another node).
func (f *FSM) IsInitialized() bool {
	return f.initialized.Load()
}

func (f *FSM) setInitialized() {
	if f.initialized.Swap(true) {
		return
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("initialized", "true"); err != nil {
			log.Printf("FSM Error: failed to save initialized state: %v", err)
		}
	}
}

// Apply applies a Raft log entry to the state machine.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}

	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) GetHubManager() *HubManager {
	return f.hm
}

func (f *FSM) GetHub(id string, isTeam bool) *Hub {
	return f.hm.GetHub(id, isTeam, f.gs, f.ts, f.r)
}

func (f *FSM) GetStores() (*GameStore, *TeamStore, *TournamentStore) {
	return f.gs, f.ts, f.tns
}

func (f *FSM) GetNodeCount() int {
	count := 0
	f.nodeMap.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (f *FSM) GetAllNodes() map[string]string {
	nodes := make(map[string]string)
	f.nodeMap.Range(func(key, value interface{}) bool {
		if meta, ok := value.(*NodeMeta); ok {
			nodes[key.(string)] = meta.HttpAddr
		}
		return true
	})
	return nodes
}

func (f *FSM) GetNodeAddr(nodeID string) string {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta.HttpAddr
		}
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta
		}
	}
	return nil
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) interface{} {
	switch cmd.Type {
	case CmdSubmitEvent:
		if cmd.Event == nil {
			return fmt.Errorf("missing event payload")
		}
		return f.applySubmitEvent(cmd.Event, index)
	case CmdUndoEvent:
		if cmd.Undo == nil {
			return fmt.Errorf("missing undo payload")
		}
		return f.applyUndoEvent(cmd.Undo, index)
	case CmdSaveGame:
		return f.applySaveGame(cmd.ID, *cmd.GameData, index, cmd.Force)
	case CmdDeleteGame:
		return f.applyDeleteGame(cmd.ID, index)
	case CmdSaveTeam:
		return f.applySaveTeam(cmd.ID, *cmd.TeamData, index)
	case CmdDeleteTeam:
		return f.applyDeleteTeam(cmd.ID, index)
	case CmdSaveTournament:
		return f.applySaveTournament(cmd.ID, *cmd.TournamentData, index)
	case CmdDeleteTournament:
		return f.applyDeleteTournament(cmd.ID, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		if f.rm != nil && (cmd.NodeMeta.NodeID != f.rm.NodeID || f.rm.Bootstrap) {
			f.setInitialized()
		}
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	case CmdUpdateAccessPolicy:
		if cmd.PolicyData == nil {
			return fmt.Errorf("missing policy data")
		}
		return f.applyUpdateAccessPolicy(cmd.PolicyData)
	case CmdMetricsUpdate:
		if cmd.MetricsPayload == nil {
			return nil
		}
		return f.applyMetricsUpdate(cmd.MetricsPayload)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// applySubmitEvent runs the proposed event through the transition engine and
// appends it to the game's log. Validation already happened on the proposing
// leader; the engine is the backstop that keeps replicas identical even if a
// bad event slips through.
func (f *FSM) applySubmitEvent(ep *EventPayload, index uint64) error {
	g, err := f.gs.LoadGame(ep.GameID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load game %s: %w", ep.GameID, err)
		}
		g = &Game{ID: ep.GameID}
	} else if g.ID != ep.GameID {
		return fmt.Errorf("data consistency error: loaded game ID %s does not match expected %s", g.ID, ep.GameID)
	}

	if index > 0 && index <= g.LastRaftIndex {
		return nil // Already applied
	}

	applied, effects, changed, err := ApplyEvent(g, ep)
	if err != nil {
		return err
	}

	if index > 0 {
		g.LastRaftIndex = index
	} else if !changed {
		return nil
	}

	if err := f.gs.SaveGameInMemory(g, f.rm == nil); err != nil {
		return err
	}

	f.r.UpdateGame(g)

	for _, eff := range effects {
		if eff.Type == EffectGameEnded {
			if err := recordTournamentResult(f.tns, g); err != nil {
				log.Printf("FSM Error: recording result for tournament %s: %v", g.TournamentID, err)
			}
		}
	}

	numEvents := 0
	if changed && applied != nil {
		numEvents = 1
		f.countOp("event:" + string(applied.Type))
	}
	newBytes, _ := json.Marshal(g)
	f.broadcastGameUpdate(ep.GameID, newBytes, numEvents == 0, numEvents)
	return nil
}

// applyUndoEvent deletes the targeted log entry, replays what remains and
// appends the undo bookkeeping record. Clients get a full resync because the
// log shrank.
func (f *FSM) applyUndoEvent(uc *UndoCommand, index uint64) error {
	g, err := f.gs.LoadGame(uc.GameID)
	if err != nil {
		return fmt.Errorf("failed to load game %s: %w", uc.GameID, err)
	}

	if index > 0 && index <= g.LastRaftIndex {
		return nil // Already applied
	}

	_, changed, err := ApplyUndo(g, uc)
	if err != nil {
		return err
	}

	if index > 0 {
		g.LastRaftIndex = index
	} else if !changed {
		return nil
	}
	if changed {
		f.countOp("undo")
		f.countOp("replay")
	}

	if err := f.gs.SaveGameInMemory(g, f.rm == nil); err != nil {
		return err
	}

	f.r.UpdateGame(g)

	newBytes, _ := json.Marshal(g)
	f.broadcastGameUpdate(uc.GameID, newBytes, false, -1) // -1 = full resync
	return nil
}

func (f *FSM) broadcastGameUpdate(gameId string, data []byte, skipBroadcast bool, numEvents int) {
	f.hm.BroadcastToGame(gameId, data, skipBroadcast, numEvents)
}

// checkGameConflict guards full-document overwrites. A save may extend the
// event log but never rewrite or shrink it; only CmdUndoEvent removes
// entries.
func (f *FSM) checkGameConflict(incoming *Game, existing *Game) error {
	if len(incoming.EventLog) < len(existing.EventLog) {
		return fmt.Errorf("incoming game state is older or forked (log length %d < %d): %w", len(incoming.EventLog), len(existing.EventLog), ErrConflict)
	}
	if incoming.LastSeq < existing.LastSeq {
		return fmt.Errorf("incoming sequence %d behind %d: %w", incoming.LastSeq, existing.LastSeq, ErrConflict)
	}

	for i := range existing.EventLog {
		if existing.EventLog[i].ID != incoming.EventLog[i].ID {
			return fmt.Errorf("history divergence at index %d (%s vs %s): %w", i, existing.EventLog[i].ID, incoming.EventLog[i].ID, ErrConflict)
		}
	}
	return nil
}

func (f *FSM) applySaveGame(id string, data []byte, index uint64, force bool) error {
	var g Game
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("failed to unmarshal game data: %w", err)
	}

	existing, err := f.gs.LoadGame(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}

		if !force {
			if err := f.checkGameConflict(&g, existing); err != nil {
				return err
			}
		}
	}

	if index > 0 {
		g.LastRaftIndex = index
	}

	g.normalize()

	if err := f.gs.SaveGame(&g); err != nil {
		return err
	}

	f.r.UpdateGame(&g)
	f.broadcastGameUpdate(id, data, true, 0) // true = skip broadcast (overwrite)
	return nil
}

func (f *FSM) applyDeleteGame(id string, index uint64) error {
	existing, err := f.gs.LoadGame(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.gs.DeleteGame(id); err != nil {
		return err
	}
	f.r.DeleteGame(id)
	f.hm.RemoveHub(id, false)
	return nil
}

func (f *FSM) applySaveTeam(id string, data []byte, index uint64) error {
	var t Team
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to unmarshal team data: %w", err)
	}

	existing, err := f.ts.LoadTeam(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if index > 0 {
		t.LastRaftIndex = index
	}

	if err := f.ts.SaveTeam(&t); err != nil {
		return err
	}
	f.r.UpdateTeam(&t)
	return nil
}

func (f *FSM) applyDeleteTeam(id string, index uint64) error {
	existing, err := f.ts.LoadTeam(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.ts.DeleteTeam(id); err != nil {
		return err
	}
	f.r.DeleteTeam(id)
	f.hm.RemoveHub(id, true)
	return nil
}

func (f *FSM) applySaveTournament(id string, data []byte, index uint64) error {
	var t Tournament
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to unmarshal tournament data: %w", err)
	}

	existing, err := f.tns.LoadTournament(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if index > 0 {
		t.LastRaftIndex = index
	}

	return f.tns.SaveTournament(&t)
}

func (f *FSM) applyDeleteTournament(id string, index uint64) error {
	existing, err := f.tns.LoadTournament(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}
	return f.tns.DeleteTournament(id)
}

func (f *FSM) applyMetricsUpdate(p *MetricsPayload) error {
	f.metricsMu.Lock()
	defer f.metricsMu.Unlock()

	f.metrics.LastUpdate = p.Timestamp

	// 1. Apply Node Metrics
	for _, nm := range p.Nodes {
		series := f.metrics.GetNodeSeries(nm.NodeID)
		series.Ingest(p.Timestamp, nm.RPS)
		f.metrics.GetNodeSeries(nm.NodeID+":ws").Ingest(p.Timestamp, float64(nm.ActiveWS))
		f.metrics.GetNodeLatencySeries(nm.NodeID).Ingest(p.Timestamp, nm.Latency)
	}

	// 2. Apply Cluster Metrics
	if p.Cluster != nil {
		f.metrics.GetClusterSeries("nodeCount").Ingest(p.Timestamp, float64(p.Cluster.NodeCount))
		f.metrics.GetClusterSeries("elections").Ingest(p.Timestamp, float64(p.Cluster.Elections))
		f.metrics.GetClusterSeries("lastLogIndex").Ingest(p.Timestamp, float64(p.Cluster.LastLogIndex))
		f.metrics.GetClusterSeries("snapshots").Ingest(p.Timestamp, float64(p.Cluster.Snapshots))
		f.metrics.GetClusterSeries("totalGames").Ingest(p.Timestamp, float64(p.Cluster.TotalGames))
		f.metrics.GetClusterSeries("totalTeams").Ingest(p.Timestamp, float64(p.Cluster.TotalTeams))
		f.metrics.GetClusterSeries("activeGames").Ingest(p.Timestamp, float64(p.Cluster.ActiveGames))
	}

	return nil
}

func (f *FSM) applyUpdateAccessPolicy(policy *UserAccessPolicy) error {
	if f.storage != nil {
		if err := f.storage.SaveDataFile("sys_access_policy", policy); err != nil {
			return fmt.Errorf("failed to save access policy: %w", err)
		}
	}
	f.r.UpdateAccessPolicy(policy)
	return nil
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	// Flush all dirty state to disk so the snapshotter reads fresh data
	if err := f.gs.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing games failed: %v", err)
		return nil, err
	}

	// Persist local state marker
	state := map[string]any{
		"lastAppliedIndex": f.LastAppliedIndex(),
		"timestamp":        time.Now().UnixNano(),
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("fsm_state.json", state); err != nil {
			log.Printf("Warning: failed to save fsm_state.json: %v", err)
		}
		// Persist Metrics
		f.metricsMu.RLock()
		if err := f.storage.SaveDataFile("metrics.json", f.metrics); err != nil {
			log.Printf("Warning: failed to save metrics.json: %v", err)
		}
		f.metricsMu.RUnlock()
	}

	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	// Re-build registry after restoration
	f.r.Rebuild()
	// Restore Metrics
	if f.storage != nil {
		var m MetricsStore
		if err := f.storage.ReadDataFile("metrics.json", &m); err == nil {
			m.Hydrate()
			f.metricsMu.Lock()
			f.metrics = &m
			f.metricsMu.Unlock()
		} else if !os.IsNotExist(err) {
			log.Printf("Warning: failed to restore metrics.json: %v", err)
		}
	}
	return nil
}

// FlushAll flushes dirty games to disk. Teams and tournaments are saved
// synchronously, so only the game store batches writes.
func (f *FSM) FlushAll() error {
	return f.gs.FlushAll()
}
