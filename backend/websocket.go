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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/raft"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeEvent      = "EVENT"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
)

// Message represents a WebSocket message. LastSeq is the sequence number of
// the newest log entry each side has seen; the hub uses it for catch-up on
// JOIN and for optimistic concurrency on submissions.
type Message struct {
	Type     string        `json:"type"`
	GameId   string        `json:"gameId,omitempty"`
	LastSeq  uint64        `json:"lastSeq,omitempty"`
	Event    *GameEvent    `json:"event,omitempty"`
	Events   []GameEvent   `json:"events,omitempty"`
	Snapshot *GameSnapshot `json:"snapshot,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// HubRequest types
const (
	ReqTypeWSJoin    = "WS_JOIN"
	ReqTypeHTTPLoad  = "HTTP_LOAD"
	ReqTypeHTTPSave  = "HTTP_SAVE"
	ReqTypeHTTPEvent = "HTTP_EVENT"
	ReqTypeHTTPUndo  = "HTTP_UNDO"
	ReqTypeBroadcast = "BROADCAST"
)

// HubRequest represents a request to the Hub
type HubRequest struct {
	Type          string
	Client        *wsClient        // For WS requests
	UserId        string           // For HTTP requests
	Headers       http.Header      // For forwarding cookies/auth
	Message       Message          // For WS/HTTP requests
	Payload       []byte           // For HTTP Save/Broadcast
	SkipBroadcast bool             // For Broadcast (overwrites)
	NumEvents     int              // For Broadcast: tail entries to send; < 0 forces a full resync
	Reply         chan HubResponse // For HTTP requests (and potentially WS sync)
}

// HubResponse represents a response from the Hub
type HubResponse struct {
	Data  []byte // For HTTP Load
	Error error  // For HTTP Save/Load errors
}

// Hub serializes all access to one game (or team). Every read and write goes
// through its request channel, so nothing else needs a lock on the game data.
type Hub struct {
	resourceId string
	isTeam     bool // True if this hub manages a team, false for a game

	// Registered clients.
	clients map[*wsClient]bool

	// Inbound requests
	requests chan HubRequest

	// Register requests from the clients.
	register chan *wsClient

	// Unregister requests from clients.
	unregister chan *wsClient

	// In-memory state
	gameData *Game
	teamData *Team

	// Throttling for conflicts
	lastConflict map[string]time.Time // userId -> last conflict sent
	conflictMu   sync.Mutex

	gs    *GameStore
	ts    *TeamStore
	tns   *TournamentStore
	r     *Registry
	hm    *HubManager
	rm    *RaftManager
	vopts ValidateOptions
}

func newHub(id string, isTeam bool, gs *GameStore, ts *TeamStore, tns *TournamentStore, r *Registry, hm *HubManager, rm *RaftManager, vopts ValidateOptions) *Hub {
	return &Hub{
		resourceId:   id,
		isTeam:       isTeam,
		requests:     make(chan HubRequest, 64), // Buffered to prevent dropping FSM updates
		register:     make(chan *wsClient),
		unregister:   make(chan *wsClient),
		clients:      make(map[*wsClient]bool),
		lastConflict: make(map[string]time.Time),
		gs:           gs,
		ts:           ts,
		tns:          tns,
		r:            r,
		hm:           hm,
		rm:           rm,
		vopts:        vopts,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(5 * time.Minute)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.hm.connCount.Add(1)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.hm.connCount.Add(-1)
			}
		case req := <-h.requests:
			if h.isTeam {
				h.ensureTeamLoaded(req.Reply)
			} else {
				h.ensureLoaded(req.Reply)
			}

			// If loading failed, stop processing.
			if (h.isTeam && h.teamData == nil) || (!h.isTeam && h.gameData == nil) {
				if req.Client != nil {
					req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading resource"})
				}
				continue
			}

			switch req.Type {
			case ReqTypeWSJoin:
				if req.Client != nil && !h.clients[req.Client] {
					continue
				}
				if !h.isTeam {
					h.handleWSJoin(req.Client, req.Message)
				}
			case ReqTypeHTTPEvent:
				if !h.isTeam {
					h.handleHTTPEvent(req)
				}
			case ReqTypeHTTPUndo:
				if !h.isTeam {
					h.handleHTTPUndo(req)
				}
			case ReqTypeHTTPLoad:
				h.handleHTTPLoad(req.Reply)
			case ReqTypeHTTPSave:
				h.handleHTTPSave(req.Payload, req.Reply)
			case ReqTypeBroadcast:
				h.handleBroadcast(req.Payload, req.SkipBroadcast, req.NumEvents)
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 {
				h.hm.RemoveHub(h.resourceId, h.isTeam)
				return
			}
		}
	}
}

// handleBroadcast installs the authoritative game state pushed by the FSM
// and relays the new tail entries to connected clients. numEvents < 0 means
// the log shrank (undo) and clients need a full resync.
func (h *Hub) handleBroadcast(data []byte, skipBroadcast bool, numEvents int) {
	var g Game
	if err := json.Unmarshal(data, &g); err != nil {
		log.Printf("handleBroadcast: Error unmarshaling game data: %v", err)
		return
	}

	// Update Hub's in-memory state
	h.gameData = &g

	if skipBroadcast {
		return
	}

	if numEvents < 0 {
		h.broadcast(Message{
			Type:     MsgTypeSyncUpdate,
			Events:   g.EventLog,
			Snapshot: g.Snapshot,
			LastSeq:  latestSeq(g.EventLog),
		})
		return
	}

	if numEvents == 0 {
		numEvents = 1
	}

	if len(g.EventLog) > 0 {
		if numEvents > len(g.EventLog) {
			numEvents = len(g.EventLog)
		}
		tail := g.EventLog[len(g.EventLog)-numEvents:]
		for i := range tail {
			h.broadcast(Message{Type: MsgTypeEvent, Event: &tail[i], LastSeq: latestSeq(g.EventLog), Snapshot: g.Snapshot})
		}
	}
}

func (h *Hub) ensureLoaded(reply chan HubResponse) {
	if h.gameData != nil {
		return
	}
	g, err := h.gs.LoadGame(h.resourceId)
	if err != nil {
		if os.IsNotExist(err) {
			h.gameData = &Game{ID: h.resourceId}
			h.gameData.normalize()
			return
		}
		log.Printf("Hub: Error loading game %s: %v", h.resourceId, err)
		if reply != nil {
			reply <- HubResponse{Error: err}
		}
		return
	}
	h.gameData = g
}

func (h *Hub) ensureTeamLoaded(reply chan HubResponse) {
	if h.teamData != nil {
		return
	}
	t, err := h.ts.LoadTeam(h.resourceId)
	if err != nil {
		if os.IsNotExist(err) {
			h.teamData = &Team{ID: h.resourceId}
			return
		}
		log.Printf("Hub: Error loading team %s: %v", h.resourceId, err)
		if reply != nil {
			reply <- HubResponse{Error: err}
		}
		return
	}
	h.teamData = t
}

// HubManager manages hubs for different games/teams
type HubManager struct {
	hubs      map[string]*Hub
	mu        sync.Mutex
	rm        *RaftManager
	tns       *TournamentStore
	vopts     ValidateOptions
	connCount atomic.Int64
}

func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) SetTournamentStore(tns *TournamentStore) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.tns = tns
}

func (hm *HubManager) SetValidateOptions(opts ValidateOptions) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.vopts = opts
}

func (hm *HubManager) GetHub(id string, isTeam bool, gs *GameStore, ts *TeamStore, r *Registry) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	key := id
	if isTeam {
		key = "team:" + id
	}

	if hub, ok := hm.hubs[key]; ok {
		return hub
	}

	hub := newHub(id, isTeam, gs, ts, hm.tns, r, hm, hm.rm, hm.vopts)
	hm.hubs[key] = hub
	go hub.run()
	return hub
}

func (hm *HubManager) RemoveHub(id string, isTeam bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	key := id
	if isTeam {
		key = "team:" + id
	}
	delete(hm.hubs, key)
}

func (hm *HubManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.hubs = make(map[string]*Hub)
}

func (hm *HubManager) GetTotalConnectionCount() int {
	return int(hm.connCount.Load())
}

func (hm *HubManager) BroadcastToGame(gameId string, data []byte, skipBroadcast bool, numEvents int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[gameId]
	if !ok {
		return
	}

	// Send update via channel to serialize with Hub goroutine
	select {
	case hub.requests <- HubRequest{
		Type:          ReqTypeBroadcast,
		Payload:       data,
		SkipBroadcast: skipBroadcast,
		NumEvents:     numEvents,
	}:
	default:
		// Drop rather than block the Raft FSM behind a slow hub.
		log.Printf("Warning: Hub channel full, dropping broadcast for game %s", gameId)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	userId string
	gameId string
	gs     *GameStore
	ts     *TeamStore
	r      *Registry
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		switch msg.Type {
		case MsgTypeJoin:
			c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case "PING":
			c.sendJSON(Message{Type: "PONG"})
		default:
			log.Printf("Unknown message type: %s", msg.Type)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
		// Channel full, drop connection?
	}
}

// latestSeq returns the sequence number of the last log entry, or 0.
func latestSeq(log []GameEvent) uint64 {
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].SequenceNumber
}

// eventsSince returns the log entries after the entry with the given
// sequence number. Returns nil when seq is not in the log anymore, which
// happens after an undo removed it.
func eventsSince(log []GameEvent, seq uint64) []GameEvent {
	if seq == 0 {
		return log
	}
	for i := range log {
		if log[i].SequenceNumber == seq {
			return log[i+1:]
		}
	}
	return nil
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	// Authorization Check
	gameExists := len(h.gameData.EventLog) > 0 || h.gameData.OwnerID != ""
	if gameExists {
		access := GetGameAccess(c.userId, *h.gameData, h.r.teamStore)
		if access < AccessRead {
			log.Printf("Forbidden: User %s attempted to join game %s without permissions", maskEmail(c.userId), h.resourceId)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this game"})
			return
		}
	} else if msg.LastSeq != 0 {
		log.Printf("Conflict: Client joining game %s at seq %d, but game empty on server", h.resourceId, msg.LastSeq)
		c.sendJSON(Message{Type: MsgTypeConflict, Error: "Game not found on server"})
		return
	}

	serverSeq := latestSeq(h.gameData.EventLog)

	if msg.LastSeq == serverSeq {
		c.sendJSON(Message{Type: MsgTypeAck, LastSeq: serverSeq, Snapshot: h.gameData.Snapshot})
		return
	}

	missing := eventsSince(h.gameData.EventLog, msg.LastSeq)
	if missing == nil {
		// The client's head was undone, or it is ahead of us. Either way the
		// server log is authoritative: replace the client's copy wholesale.
		c.sendJSON(Message{
			Type:     MsgTypeSyncUpdate,
			Events:   h.gameData.EventLog,
			Snapshot: h.gameData.Snapshot,
			LastSeq:  serverSeq,
		})
		return
	}

	c.sendJSON(Message{
		Type:     MsgTypeSyncUpdate,
		Events:   missing,
		Snapshot: h.gameData.Snapshot,
		LastSeq:  serverSeq,
	})
}

func (h *Hub) handleHTTPEvent(req HubRequest) {
	response, broadcasts, err := h.processEvent(req.Message, req.UserId)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			h.forwardToLeader(req, "/api/cluster/event")
			return
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	// For HTTP, we return the response message as Data
	data, _ := json.Marshal(response)

	for _, b := range broadcasts {
		h.broadcast(b)
	}

	if req.Reply != nil {
		req.Reply <- HubResponse{Data: data}
	}
}

func (h *Hub) handleHTTPUndo(req HubRequest) {
	response, broadcasts, err := h.processUndo(req.Message, req.UserId)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			h.forwardToLeader(req, "/api/cluster/undo")
			return
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	data, _ := json.Marshal(response)

	for _, b := range broadcasts {
		h.broadcast(b)
	}

	if req.Reply != nil {
		req.Reply <- HubResponse{Data: data}
	}
}

func (h *Hub) forwardToLeader(req HubRequest, path string) {
	leaderAddr := h.rm.GetLeaderHTTPAddr()

	// Prevent forwarding to self if split-brain or stale metadata
	if leaderAddr == h.rm.ClusterAdvertise {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("local node listed as leader but not in leader state")}
		}
		return
	}

	if leaderAddr == "" {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("leader not found")}
		}
		return
	}

	// Ensure leaderAddr has protocol
	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "http://" + leaderAddr
	}

	url := leaderAddr + path
	body, _ := json.Marshal(req.Message)
	forwardReq, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	// Copy authentication and content headers from the original request
	for _, hdr := range []string{"Cookie", "Authorization", "Content-Type"} {
		if v := req.Headers.Get(hdr); v != "" {
			forwardReq.Header.Set(hdr, v)
		}
	}

	// Update X-Raft-Forwarded
	forwarded := forwardReq.Header.Get("X-Raft-Forwarded")
	if forwarded != "" {
		forwarded += "," + h.rm.NodeID
	} else {
		forwarded = h.rm.NodeID
	}
	forwardReq.Header.Set("X-Raft-Forwarded", forwarded)

	// Ensure secret is set
	if h.rm.Secret != "" {
		forwardReq.Header.Set("X-Raft-Secret", h.rm.Secret)
	}

	client := h.rm.GetHTTPClient()
	resp, err := client.Do(forwardReq)
	if err != nil {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("leader returned %d: %s", resp.StatusCode, string(respBody))}
		}
		return
	}

	data, err := io.ReadAll(resp.Body)
	if req.Reply != nil {
		req.Reply <- HubResponse{Data: data, Error: err}
	}
}

// processEvent validates a submitted event against the current snapshot and
// either proposes it to Raft or applies it directly in standalone mode.
func (h *Hub) processEvent(msg Message, userId string) (response *Message, broadcasts []Message, err error) {
	if msg.Event == nil || !msg.Event.Type.IsValid() {
		return &Message{Type: MsgTypeError, Error: "Malformed event"}, nil, nil
	}
	ev := msg.Event
	if ev.Type == EventUndo || ev.Type == EventEdit {
		return &Message{Type: MsgTypeError, Error: "Undo and edit go through the undo endpoint"}, nil, nil
	}

	gameExists := len(h.gameData.EventLog) > 0 || h.gameData.OwnerID != ""
	if !gameExists {
		log.Printf("Conflict: User %s sending event for non-existent game %s", maskEmail(userId), h.resourceId)
		return &Message{Type: MsgTypeConflict, Error: "Game not found on server"}, nil, nil
	}

	// Authorization Check
	access := GetGameAccess(userId, *h.gameData, h.r.teamStore)
	if access < AccessWrite {
		log.Printf("Forbidden: User %s attempted to write %s to game %s", maskEmail(userId), ev.Type, h.resourceId)
		if userId == "" {
			return &Message{Type: MsgTypeError, Error: "Unauthenticated: Login required"}, nil, nil
		}
		return &Message{Type: MsgTypeError, Error: "Forbidden: You do not have write access to this game"}, nil, nil
	}

	// If Raft is enabled, ensure we are the leader before checking state against local (possibly stale) cache.
	if h.rm != nil && h.rm.Raft.State() != raft.Leader {
		return nil, nil, ErrNotLeader
	}

	// Optimistic concurrency: the submitter names the sequence it last saw.
	serverSeq := latestSeq(h.gameData.EventLog)
	if msg.LastSeq != serverSeq {
		// Attempt reload from disk to clear stale cache
		if g, err := h.gs.LoadGame(h.resourceId); err == nil {
			h.gameData = g
			serverSeq = latestSeq(h.gameData.EventLog)
		}
		if msg.LastSeq != serverSeq {
			// A retry of an already-applied event is acknowledged, not conflicted.
			if ev.ID != "" && h.gameData.FindEvent(ev.ID) != nil {
				return &Message{Type: MsgTypeAck, LastSeq: serverSeq}, nil, nil
			}
			log.Printf("Conflict: seq %d from user %s, server at %d for game %s", msg.LastSeq, maskEmail(userId), serverSeq, h.resourceId)
			h.conflictMu.Lock()
			h.lastConflict[userId] = time.Now()
			h.conflictMu.Unlock()
			return &Message{Type: MsgTypeConflict, Error: "Sequence mismatch", LastSeq: serverSeq, Snapshot: h.gameData.Snapshot}, nil, nil
		}
	}

	res := ValidateEvent(ev.Type, ev.Payload, h.gameData.Snapshot, latestGameplayEvent(h.gameData.EventLog), h.vopts)
	if !res.Valid {
		return &Message{Type: MsgTypeError, Error: res.Error}, nil, nil
	}

	ep := &EventPayload{
		GameID:          h.resourceId,
		EventID:         ev.ID,
		Type:            ev.Type,
		Payload:         ev.Payload,
		UmpireID:        ev.UmpireID,
		PreviousEventID: ev.PreviousEventID,
		UserID:          userId,
		CreatedAt:       time.Now().UnixNano(),
	}
	if ep.EventID == "" {
		ep.EventID = uuid.NewString()
	}

	if h.rm != nil {
		cmd := RaftCommand{
			Type:  CmdSubmitEvent,
			ID:    h.resourceId,
			Event: ep,
		}
		if _, err := h.rm.Propose(cmd); err != nil {
			return nil, nil, err
		}
		return &Message{Type: MsgTypeAck, LastSeq: serverSeq + 1, Warnings: res.Warnings}, nil, nil
	}

	// Standalone path: apply to a clone so a failed transition cannot
	// corrupt the in-memory state.
	var clone Game
	gameBytes, _ := json.Marshal(*h.gameData)
	json.Unmarshal(gameBytes, &clone)

	applied, effects, changed, err := ApplyEvent(&clone, ep)
	if err != nil {
		return &Message{Type: MsgTypeError, Error: "Server error applying event: " + err.Error()}, nil, nil
	}
	if !changed {
		return &Message{Type: MsgTypeAck, LastSeq: latestSeq(clone.EventLog)}, nil, nil
	}

	if err := h.gs.SaveGame(&clone); err != nil {
		return &Message{Type: MsgTypeError, Error: "Server error saving event"}, nil, nil
	}

	// Success: commit to Hub cache and Registry
	*h.gameData = clone
	h.r.UpdateGame(h.gameData)

	for _, eff := range effects {
		if eff.Type == EffectGameEnded {
			if err := recordTournamentResult(h.tns, h.gameData); err != nil {
				log.Printf("Error recording result for tournament %s: %v", h.gameData.TournamentID, err)
			}
		}
	}

	bmsg := Message{Type: MsgTypeEvent, Event: applied, LastSeq: clone.LastSeq, Snapshot: clone.Snapshot}
	return &Message{Type: MsgTypeAck, LastSeq: clone.LastSeq, Warnings: res.Warnings}, []Message{bmsg}, nil
}

// processUndo removes the most recent gameplay event, replays the log and
// pushes the rebuilt state to all clients.
func (h *Hub) processUndo(msg Message, userId string) (response *Message, broadcasts []Message, err error) {
	if msg.Event == nil || msg.Event.Type != EventUndo {
		return &Message{Type: MsgTypeError, Error: "Malformed undo"}, nil, nil
	}

	gameExists := len(h.gameData.EventLog) > 0 || h.gameData.OwnerID != ""
	if !gameExists {
		return &Message{Type: MsgTypeConflict, Error: "Game not found on server"}, nil, nil
	}

	access := GetGameAccess(userId, *h.gameData, h.r.teamStore)
	if access < AccessWrite {
		if userId == "" {
			return &Message{Type: MsgTypeError, Error: "Unauthenticated: Login required"}, nil, nil
		}
		return &Message{Type: MsgTypeError, Error: "Forbidden: You do not have write access to this game"}, nil, nil
	}

	if h.rm != nil && h.rm.Raft.State() != raft.Leader {
		return nil, nil, ErrNotLeader
	}

	res := ValidateEvent(EventUndo, msg.Event.Payload, h.gameData.Snapshot, latestGameplayEvent(h.gameData.EventLog), h.vopts)
	if !res.Valid {
		return &Message{Type: MsgTypeError, Error: res.Error}, nil, nil
	}

	var p UndoPayload
	if err := json.Unmarshal(msg.Event.Payload, &p); err != nil {
		return &Message{Type: MsgTypeError, Error: "Malformed undo payload"}, nil, nil
	}

	uc := &UndoCommand{
		GameID:        h.resourceId,
		UndoEventID:   msg.Event.ID,
		TargetEventID: p.TargetEventID,
		Reason:        p.Reason,
		UserID:        userId,
		CreatedAt:     time.Now().UnixNano(),
	}
	if uc.UndoEventID == "" {
		uc.UndoEventID = uuid.NewString()
	}

	if h.rm != nil {
		cmd := RaftCommand{
			Type: CmdUndoEvent,
			ID:   h.resourceId,
			Undo: uc,
		}
		if _, err := h.rm.Propose(cmd); err != nil {
			return nil, nil, err
		}
		return &Message{Type: MsgTypeAck}, nil, nil
	}

	var clone Game
	gameBytes, _ := json.Marshal(*h.gameData)
	json.Unmarshal(gameBytes, &clone)

	_, changed, err := ApplyUndo(&clone, uc)
	if err != nil {
		return &Message{Type: MsgTypeError, Error: "Undo rejected: " + err.Error()}, nil, nil
	}
	if !changed {
		return &Message{Type: MsgTypeAck, LastSeq: latestSeq(clone.EventLog)}, nil, nil
	}

	if err := h.gs.SaveGame(&clone); err != nil {
		return &Message{Type: MsgTypeError, Error: "Server error saving undo"}, nil, nil
	}

	*h.gameData = clone
	h.r.UpdateGame(h.gameData)

	bmsg := Message{
		Type:     MsgTypeSyncUpdate,
		Events:   clone.EventLog,
		Snapshot: clone.Snapshot,
		LastSeq:  latestSeq(clone.EventLog),
	}
	return &Message{Type: MsgTypeAck, LastSeq: bmsg.LastSeq, Warnings: res.Warnings}, []Message{bmsg}, nil
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
			h.hm.connCount.Add(-1)
		}
	}
}

func (h *Hub) handleHTTPLoad(reply chan HubResponse) {
	var data []byte
	var err error
	if h.isTeam {
		data, err = json.Marshal(h.teamData)
	} else {
		data, err = json.Marshal(h.gameData)
	}
	reply <- HubResponse{Data: data, Error: err}
}

func (h *Hub) handleHTTPSave(payload []byte, reply chan HubResponse) {
	if h.rm != nil {
		if h.isTeam {
			raw := json.RawMessage(payload)
			cmd := RaftCommand{
				Type:     CmdSaveTeam,
				ID:       h.resourceId,
				TeamData: &raw,
			}
			if _, err := h.rm.Propose(cmd); err != nil {
				reply <- HubResponse{Error: err}
				return
			}
		} else {
			raw := json.RawMessage(payload)
			cmd := RaftCommand{
				Type:     CmdSaveGame,
				ID:       h.resourceId,
				GameData: &raw,
			}
			if _, err := h.rm.Propose(cmd); err != nil {
				reply <- HubResponse{Error: err}
				return
			}
		}
		reply <- HubResponse{Error: nil}
		return
	}

	if h.isTeam {
		var newTeam Team
		if err := json.Unmarshal(payload, &newTeam); err != nil {
			reply <- HubResponse{Error: err}
			return
		}
		h.teamData = &newTeam
		if err := h.ts.SaveTeam(h.teamData); err != nil {
			reply <- HubResponse{Error: err}
			return
		}
		h.r.UpdateTeam(h.teamData)
	} else {
		var newGame Game
		if err := json.Unmarshal(payload, &newGame); err != nil {
			reply <- HubResponse{Error: err}
			return
		}
		newGame.normalize()
		h.gameData = &newGame
		if err := h.gs.SaveGame(h.gameData); err != nil {
			reply <- HubResponse{Error: err}
			return
		}
		h.r.UpdateGame(h.gameData)

		// NOTE: We do NOT broadcast the update here.
	}
	reply <- HubResponse{Error: nil}
}

// ServeWS handles websocket requests from the peer.
func ServeWS(gs *GameStore, ts *TeamStore, r *Registry, hm *HubManager, w http.ResponseWriter, r_req *http.Request, debugf func(string, ...any)) {
	userId := getUserID(r_req)

	gameId := r_req.URL.Query().Get("gameId")
	if gameId == "" || !isValidUUID(gameId) {
		http.Error(w, "Invalid gameId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r_req, nil)
	if err != nil {
		log.Println(err)
		return
	}

	hub := hm.GetHub(gameId, false, gs, ts, r)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256), userId: userId, gameId: gameId, gs: gs, ts: ts, r: r}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
