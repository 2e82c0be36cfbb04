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
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not leader")

// RaftManager owns the raft node and the internal cluster API. The cluster
// API is plain HTTP guarded by a shared secret; it carries join/remove
// requests, leader-forwarded submissions and metrics reports.
type RaftManager struct {
	Raft                  *raft.Raft
	FSM                   *FSM
	DataDir               string
	Bind                  string // "host:port" for Raft transport
	Advertise             string // "host:port" for advertising to other nodes
	ClusterAdvertise      string // "host:port" advertised for the internal cluster API
	ClusterAddr           string // "host:port" the internal cluster API listens on
	NodeID                string
	Secret                string
	Bootstrap             bool
	UseProductionTimeouts bool

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	internalServer *http.Server
	httpClient     *http.Client
	AuthMiddleware func(http.Handler) http.Handler

	logStore    raft.LogStore
	stableStore raft.StableStore

	LogOutput  io.Writer // Optional: Redirect Raft logs
	AppHandler http.Handler

	countersMu   sync.Mutex
	nodeCounters map[string]uint64
	startTime    time.Time

	latencyMu          sync.Mutex
	latencyAccumulator *Histogram
}

func NewRaftManager(dataDir, bind, advertise, clusterAdvertise, clusterAddr, secret string, fsm *FSM) *RaftManager {
	rm := &RaftManager{
		DataDir:            dataDir,
		Bind:               bind,
		Advertise:          advertise,
		ClusterAdvertise:   clusterAdvertise,
		ClusterAddr:        clusterAddr,
		Secret:             secret,
		FSM:                fsm,
		shutdownCh:         make(chan struct{}),
		LogOutput:          os.Stderr, // Default
		nodeCounters:       make(map[string]uint64),
		latencyAccumulator: &Histogram{},
	}
	if fsm != nil {
		fsm.rm = rm
	}
	return rm
}

// loadOrGenerateNodeID keeps the node identity stable across restarts.
func (rm *RaftManager) loadOrGenerateNodeID() error {
	path := filepath.Join(rm.DataDir, "node_id")
	if data, err := os.ReadFile(path); err == nil {
		rm.NodeID = strings.TrimSpace(string(data))
		if rm.NodeID != "" {
			return nil
		}
	}
	rm.NodeID = uuid.NewString()[:8]
	return os.WriteFile(path, []byte(rm.NodeID), 0600)
}

func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	rm.startTime = time.Now()

	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	if err := rm.loadOrGenerateNodeID(); err != nil {
		return fmt.Errorf("failed to load node id: %v", err)
	}
	log.Printf("NodeID: %s", rm.NodeID)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	// Optimized for WAN / High Latency / Low Idle Traffic
	if rm.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		// Faster timeouts for tests
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 20480
	config.LogLevel = "INFO"
	config.MaxAppendEntries = 200
	if rm.LogOutput != nil {
		config.LogOutput = rm.LogOutput
	}

	notifyCh := make(chan bool, 1)
	config.NotifyCh = notifyCh

	rm.httpClient = &http.Client{Timeout: 10 * time.Second}

	advertiseAddr := rm.Advertise
	if advertiseAddr == "" {
		advertiseAddr = rm.Bind
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", advertiseAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve advertise addr %s: %v", advertiseAddr, err)
	}
	transport, err := raft.NewTCPTransport(rm.Bind, tcpAddr, 3, 10*time.Second, rm.LogOutput)
	if err != nil {
		return err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		return err
	}
	rm.logStore = logStore
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		return err
	}
	rm.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(rm.DataDir, 1, rm.LogOutput)
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(config, rm.FSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return err
	}
	rm.Raft = r

	if bootstrap {
		log.Printf("Bootstrapping Raft cluster with NodeID: %s", rm.NodeID)
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		f := r.BootstrapCluster(configuration)
		if err := f.Error(); err != nil {
			log.Printf("Bootstrap error (might be already bootstrapped): %v", err)
		}

		// Propose own metadata once leader, then ingest any pre-existing
		// standalone data into the log.
		go rm.bootstrapIngest()
	}

	if rm.ClusterAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/cluster/status", rm.handleStatus)
		mux.HandleFunc("/api/cluster/join", rm.handleJoin)
		mux.HandleFunc("/api/cluster/remove", rm.handleRemove)
		mux.HandleFunc("/api/cluster/event", rm.handleEvent)
		mux.HandleFunc("/api/cluster/undo", rm.handleUndo)
		mux.HandleFunc("/api/cluster/metrics", rm.handleMetricsReport)

		if rm.AppHandler != nil {
			mux.Handle("/", rm.AppHandler)
		}

		var handler http.Handler = mux
		if rm.AuthMiddleware != nil {
			handler = rm.AuthMiddleware(mux)
		}

		ln, err := net.Listen("tcp", rm.ClusterAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on cluster addr %s: %v", rm.ClusterAddr, err)
		}

		// Update ClusterAdvertise if we bound to a random port
		if strings.HasSuffix(rm.ClusterAdvertise, ":0") {
			_, port, _ := net.SplitHostPort(ln.Addr().String())
			host, _, _ := net.SplitHostPort(rm.ClusterAdvertise)
			rm.ClusterAdvertise = net.JoinHostPort(host, port)
		}

		server := &http.Server{Handler: handler}
		rm.internalServer = server

		go func() {
			log.Printf("Starting Internal Cluster API on %s...", ln.Addr())
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("Internal Server Error: %v", err)
			}
		}()
	}

	// Store own address locally as fallback/immediate
	metaJSON := fmt.Sprintf(`{"nodeId":%q,"httpAddr":%q}`, rm.NodeID, rm.ClusterAdvertise)
	rm.FSM.applyNodeMeta(rm.NodeID, []byte(metaJSON))
	go rm.monitorConfiguration()
	go rm.monitorMetrics()
	go rm.monitorLeadership(notifyCh)

	return nil
}

func (rm *RaftManager) bootstrapIngest() {
	for {
		if rm.Raft.State() == raft.Leader {
			break
		}
		select {
		case <-rm.shutdownCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	cmd := RaftCommand{
		Type: CmdNodeMeta,
		NodeMeta: &NodeMeta{
			NodeID:          rm.NodeID,
			HttpAddr:        rm.ClusterAdvertise,
			AppVersion:      CurrentAppVersion,
			ProtocolVersion: CurrentProtocolVersion,
			SchemaVersion:   CurrentSchemaVersion,
		},
	}
	if _, err := rm.Propose(cmd); err != nil {
		log.Printf("Failed to propose bootstrap metadata: %v", err)
	}

	// Ingest existing data into Raft log (Migration from standalone)
	log.Printf("Ingesting existing data into Raft log...")
	gs, ts, tns := rm.FSM.GetStores()

	for g, err := range gs.ListAllGames() {
		if err != nil {
			log.Printf("Failed to list games for ingestion: %v", err)
			break
		}
		// Reset LastRaftIndex on disk so the FSM accepts the new log entry
		g.LastRaftIndex = 0
		if err := gs.SaveGame(g); err != nil {
			log.Printf("Failed to reset index for game %s: %v", g.ID, err)
		}

		data, _ := json.Marshal(g)
		raw := json.RawMessage(data)
		cmd := RaftCommand{
			Type:     CmdSaveGame,
			ID:       g.ID,
			GameData: &raw,
			Force:    true,
		}
		if _, err := rm.Propose(cmd); err != nil {
			log.Printf("Failed to ingest game %s: %v", g.ID, err)
		}
	}

	for t, err := range ts.ListAllTeams() {
		if err != nil {
			log.Printf("Failed to list teams for ingestion: %v", err)
			break
		}
		t.LastRaftIndex = 0
		if err := ts.SaveTeam(t); err != nil {
			log.Printf("Failed to reset index for team %s: %v", t.ID, err)
		}

		data, _ := json.Marshal(t)
		raw := json.RawMessage(data)
		cmd := RaftCommand{
			Type:     CmdSaveTeam,
			ID:       t.ID,
			TeamData: &raw,
		}
		if _, err := rm.Propose(cmd); err != nil {
			log.Printf("Failed to ingest team %s: %v", t.ID, err)
		}
	}

	for t, err := range tns.ListAllTournaments() {
		if err != nil {
			log.Printf("Failed to list tournaments for ingestion: %v", err)
			break
		}
		t.LastRaftIndex = 0
		if err := tns.SaveTournament(t); err != nil {
			log.Printf("Failed to reset index for tournament %s: %v", t.ID, err)
		}

		data, _ := json.Marshal(t)
		raw := json.RawMessage(data)
		cmd := RaftCommand{
			Type:           CmdSaveTournament,
			ID:             t.ID,
			TournamentData: &raw,
		}
		if _, err := rm.Propose(cmd); err != nil {
			log.Printf("Failed to ingest tournament %s: %v", t.ID, err)
		}
	}
	log.Printf("Ingestion complete.")
}

// GetHTTPClient returns the reusable HTTP client for internal cluster communication.
func (rm *RaftManager) GetHTTPClient() *http.Client {
	return rm.httpClient
}

// RecordLatency adds a request duration to the accumulator reported with the
// next metrics cycle.
func (rm *RaftManager) RecordLatency(d time.Duration) {
	rm.latencyMu.Lock()
	rm.latencyAccumulator.Add(d)
	rm.latencyMu.Unlock()
}

func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			last := rm.Raft.LastIndex()
			applied := rm.Raft.AppliedIndex()
			if applied >= last {
				return nil
			}
		}
	}
}

// Propose proposes a command to the Raft cluster.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if rm.Raft.State() != raft.Leader {
		return 0, ErrNotLeader
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	f := rm.Raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		return 0, err
	}

	// f.Response() returns what FSM.Apply returns: error or nil.
	resp := f.Response()
	if resp != nil {
		if err, ok := resp.(error); ok {
			return f.Index(), err
		}
	}
	return f.Index(), nil
}

// Join adds a new node to the cluster.
func (rm *RaftManager) Join(nodeID, raftAddr, httpAddr string, nonVoter bool, appVer string, protoVer, schemaVer int) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s (nonVoter: %v)", nodeID, raftAddr, httpAddr, nonVoter)

	cmd := RaftCommand{
		Type: CmdNodeMeta,
		NodeMeta: &NodeMeta{
			NodeID:          nodeID,
			HttpAddr:        httpAddr,
			AppVersion:      appVer,
			ProtocolVersion: protoVer,
			SchemaVersion:   schemaVer,
		},
	}
	if _, err := rm.Propose(cmd); err != nil {
		return fmt.Errorf("failed to store node metadata: %v", err)
	}

	var f raft.IndexFuture
	if nonVoter {
		f = rm.Raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	} else {
		f = rm.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	}

	if err := f.Error(); err != nil {
		return err
	}

	log.Printf("Node %s joined successfully", nodeID)
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	log.Printf("Received leave request for node %s", nodeID)

	f := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	if err := f.Error(); err != nil {
		return err
	}

	// Broadcast node removal to cluster map
	cmd := RaftCommand{
		Type: CmdNodeLeft,
		NodeMeta: &NodeMeta{
			NodeID: nodeID,
		},
	}
	if _, err := rm.Propose(cmd); err != nil {
		log.Printf("Warning: Failed to broadcast node removal: %v", err)
	}

	log.Printf("Node %s removed successfully", nodeID)
	return nil
}

// checkSecret enforces the shared cluster secret on internal endpoints.
func (rm *RaftManager) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	secret := r.Header.Get("X-Raft-Secret")
	if rm.Secret == "" || secret != rm.Secret {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return false
	}
	return true
}

// checkForwardLoop rejects requests that already passed through this node.
func (rm *RaftManager) checkForwardLoop(w http.ResponseWriter, r *http.Request) bool {
	if forwarded := r.Header.Get("X-Raft-Forwarded"); forwarded != "" {
		for _, id := range strings.Split(forwarded, ",") {
			if strings.TrimSpace(id) == rm.NodeID {
				http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
				return false
			}
		}
	}
	return true
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	// Require Secret for status to prevent leaking topology.
	if !rm.checkSecret(w, r) {
		return
	}

	leaderAddr := rm.GetLeaderHTTPAddr()
	_, leaderID := rm.Raft.LeaderWithID()

	status := map[string]any{
		"nodeId":          rm.NodeID,
		"state":           rm.Raft.State().String(),
		"leaderId":        string(leaderID),
		"leaderAddr":      leaderAddr,
		"raftAddr":        rm.Advertise,
		"appVersion":      CurrentAppVersion,
		"protocolVersion": CurrentProtocolVersion,
		"schemaVersion":   CurrentSchemaVersion,
	}
	if status["raftAddr"] == "" {
		status["raftAddr"] = rm.Bind
	}

	configFuture := rm.Raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		var nodes []map[string]any
		for _, s := range configFuture.Configuration().Servers {
			node := map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"httpAddr": rm.FSM.GetNodeAddr(string(s.ID)),
				"suffrage": s.Suffrage.String(),
			}
			if meta := rm.FSM.GetNodeMeta(string(s.ID)); meta != nil {
				node["appVersion"] = meta.AppVersion
				node["protocolVersion"] = meta.ProtocolVersion
				node["schemaVersion"] = meta.SchemaVersion
			}
			nodes = append(nodes, node)
		}
		status["nodes"] = nodes
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkForwardLoop(w, r) || !rm.checkSecret(w, r) {
		return
	}

	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var data struct {
		NodeID          string `json:"nodeId"`
		RaftAddr        string `json:"raftAddr"`
		HttpAddr        string `json:"httpAddr"`
		NonVoter        bool   `json:"nonVoter"`
		AppVersion      string `json:"appVersion"`
		ProtocolVersion int    `json:"protocolVersion"`
		SchemaVersion   int    `json:"schemaVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if data.HttpAddr == "" {
		http.Error(w, "Missing required field: httpAddr", http.StatusBadRequest)
		return
	}

	if data.NodeID == "" {
		// Attempt Discovery
		status, err := rm.discoverNode(data.HttpAddr)
		if err != nil {
			log.Printf("Discovery failed for %s: %v", data.HttpAddr, err)
			http.Error(w, fmt.Sprintf("Discovery failed: %v", err), http.StatusBadGateway)
			return
		}

		var ok bool
		if data.NodeID, ok = status["nodeId"].(string); !ok || data.NodeID == "" {
			http.Error(w, "Discovery failed: missing nodeId in response", http.StatusBadGateway)
			return
		}
		if data.RaftAddr, ok = status["raftAddr"].(string); !ok || data.RaftAddr == "" {
			http.Error(w, "Discovery failed: missing raftAddr in response", http.StatusBadGateway)
			return
		}
		if data.AppVersion, ok = status["appVersion"].(string); !ok {
			data.AppVersion = ""
		}
		if v, ok := status["protocolVersion"].(float64); ok {
			data.ProtocolVersion = int(v)
		}
		if v, ok := status["schemaVersion"].(float64); ok {
			data.SchemaVersion = int(v)
		}
	}

	// Validate Address Formats
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid RaftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.HttpAddr); err != nil {
		u, pErr := url.Parse(data.HttpAddr)
		if pErr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			http.Error(w, "Invalid HttpAddr: must be host:port or valid URL", http.StatusBadRequest)
			return
		}
	}

	if err := rm.Join(data.NodeID, data.RaftAddr, data.HttpAddr, data.NonVoter, data.AppVersion, data.ProtocolVersion, data.SchemaVersion); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

func (rm *RaftManager) discoverNode(targetAddr string) (map[string]any, error) {
	if !strings.HasPrefix(targetAddr, "http") {
		targetAddr = "http://" + targetAddr
	}
	u, err := url.Parse(targetAddr)
	if err != nil {
		return nil, err
	}
	u.Path = "/api/cluster/status"

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Raft-Secret", rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discoverNode(%q): %w", u.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("node returned status %d: %s", resp.StatusCode, string(body))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return status, nil
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkForwardLoop(w, r) || !rm.checkSecret(w, r) {
		return
	}

	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var data struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := rm.Leave(data.NodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s removed from cluster", data.NodeID)
}

func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		http.Error(w, "No leader found", http.StatusServiceUnavailable)
		return
	}

	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "http://" + leaderAddr
	}

	url := leaderAddr + r.URL.Path
	// We need to buffer the body to forward it
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	req, err := http.NewRequest(r.Method, url, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to create forward request", http.StatusInternalServerError)
		return
	}

	// Copy headers
	for k, v := range r.Header {
		req.Header[k] = v
	}
	req.Host = r.Host

	// Update X-Raft-Forwarded
	forwarded := req.Header.Get("X-Raft-Forwarded")
	if forwarded != "" {
		forwarded += "," + rm.NodeID
	} else {
		forwarded = rm.NodeID
	}
	req.Header.Set("X-Raft-Forwarded", forwarded)

	// Ensure secret is set
	if rm.Secret != "" {
		req.Header.Set("X-Raft-Secret", rm.Secret)
	}

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Copy response headers
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleEvent receives a leader-forwarded event submission and serializes it
// through the game's hub, same as a local HTTP submission.
func (rm *RaftManager) handleEvent(w http.ResponseWriter, r *http.Request) {
	rm.handleForwardedSubmission(w, r, ReqTypeHTTPEvent)
}

func (rm *RaftManager) handleUndo(w http.ResponseWriter, r *http.Request) {
	rm.handleForwardedSubmission(w, r, ReqTypeHTTPUndo)
}

func (rm *RaftManager) handleForwardedSubmission(w http.ResponseWriter, r *http.Request, reqType string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkForwardLoop(w, r) || !rm.checkSecret(w, r) {
		return
	}

	userId := getUserID(r)

	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&msg); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}

	gameId := msg.GameId
	if gameId == "" {
		http.Error(w, "Bad Request: gameId is missing", http.StatusBadRequest)
		return
	}

	// Serialize through Hub
	hub := rm.FSM.GetHub(gameId, false)
	reply := make(chan HubResponse)
	hub.requests <- HubRequest{
		Type:    reqType,
		UserId:  userId,
		Headers: r.Header,
		Message: msg,
		Reply:   reply,
	}
	resp := <-reply

	if resp.Error != nil {
		log.Printf("Error processing forwarded submission: %v", resp.Error)
		http.Error(w, resp.Error.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(resp.Data)
}

// GetLeaderHTTPAddr returns the HTTP address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

// Shutdown gracefully shuts down the Raft node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})

	if rm.internalServer != nil {
		rm.internalServer.Close()
	}

	if rm.Raft == nil {
		rm.closeStores()
		return nil
	}

	// Attempt graceful leadership transfer if leader
	if rm.Raft.State() == raft.Leader {
		log.Printf("Attempting leadership transfer before shutdown...")
		f := rm.Raft.LeadershipTransfer()

		done := make(chan error, 1)
		go func() { done <- f.Error() }()

		select {
		case err := <-done:
			if err != nil {
				log.Printf("Leadership transfer failed (continuing): %v", err)
			} else {
				log.Printf("Leadership transfer successful.")
			}
		case <-time.After(5 * time.Second):
			log.Printf("Leadership transfer timed out (continuing).")
		}
	}

	raftErr := rm.Raft.Shutdown().Error()
	rm.closeStores()
	return raftErr
}

func (rm *RaftManager) closeStores() {
	if rm.logStore != nil {
		if c, ok := rm.logStore.(io.Closer); ok {
			c.Close()
		}
		rm.logStore = nil
	}
	if rm.stableStore != nil {
		if c, ok := rm.stableStore.(io.Closer); ok {
			c.Close()
		}
		rm.stableStore = nil
	}
}

// monitorConfiguration re-announces this node to the cluster when its
// advertised addresses drift, and re-registers after restarts.
func (rm *RaftManager) monitorConfiguration() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
			_, leaderID := rm.Raft.LeaderWithID()

			if leaderID == raft.ServerID(rm.NodeID) {
				// We are Leader: Update own metadata if needed
				currentHttpAddr := rm.FSM.GetNodeAddr(rm.NodeID)
				if currentHttpAddr != rm.ClusterAdvertise {
					log.Printf("[AutoConfig] Updating own HTTP address from %q to %q", currentHttpAddr, rm.ClusterAdvertise)
					cmd := RaftCommand{
						Type: CmdNodeMeta,
						NodeMeta: &NodeMeta{
							NodeID:          rm.NodeID,
							HttpAddr:        rm.ClusterAdvertise,
							AppVersion:      CurrentAppVersion,
							ProtocolVersion: CurrentProtocolVersion,
							SchemaVersion:   CurrentSchemaVersion,
						},
					}
					if _, err := rm.Propose(cmd); err != nil {
						log.Printf("[AutoConfig] Failed to update own metadata: %v", err)
					}
				}
				continue
			}

			// We are Follower (or Lost Candidate).
			// Try to contact Leader, or if unknown, any known peer.
			var targetHTTP string
			if leaderID != "" {
				targetHTTP = rm.FSM.GetNodeAddr(string(leaderID))
			} else if rm.FSM.GetNodeCount() > 1 {
				allNodes := rm.FSM.GetAllNodes()
				for id, addr := range allNodes {
					if id != rm.NodeID && addr != "" {
						targetHTTP = addr
						break
					}
				}
			}

			if targetHTTP == "" {
				continue
			}

			if !strings.HasPrefix(targetHTTP, "http") {
				targetHTTP = "http://" + targetHTTP
			}

			raftAddr := rm.Advertise
			if raftAddr == "" {
				raftAddr = rm.Bind
			}

			payload := map[string]any{
				"nodeId":          rm.NodeID,
				"raftAddr":        raftAddr,
				"httpAddr":        rm.ClusterAdvertise,
				"appVersion":      CurrentAppVersion,
				"protocolVersion": CurrentProtocolVersion,
				"schemaVersion":   CurrentSchemaVersion,
			}

			// Check if we are currently a Nonvoter to preserve that status
			cfg := rm.Raft.GetConfiguration()
			if err := cfg.Error(); err == nil {
				for _, s := range cfg.Configuration().Servers {
					if s.ID == raft.ServerID(rm.NodeID) && s.Suffrage == raft.Nonvoter {
						payload["nonVoter"] = true
						break
					}
				}
			}

			data, _ := json.Marshal(payload)

			req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/cluster/join", targetHTTP), bytes.NewBuffer(data))
			if err != nil {
				log.Printf("[AutoConfig] Failed to create join request: %v", err)
				return
			}
			req.Header.Set("X-Raft-Secret", rm.Secret)
			req.Header.Set("Content-Type", "application/json")

			resp, err := rm.httpClient.Do(req)
			if err != nil {
				log.Printf("[AutoConfig] Failed to contact node at %s: %v", targetHTTP, err)
				continue
			}
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				log.Printf("[AutoConfig] Successfully registered with node at %s", targetHTTP)
				return
			}

			log.Printf("[AutoConfig] Registration failed: HTTP %d", resp.StatusCode)
		}
	}
}

func (rm *RaftManager) monitorLeadership(notifyCh <-chan bool) {
	for {
		select {
		case <-rm.shutdownCh:
			return
		case isLeader := <-notifyCh:
			if isLeader {
				log.Printf("Leadership acquired (NodeID: %s)", rm.NodeID)
			} else {
				log.Printf("Leadership lost (NodeID: %s)", rm.NodeID)
			}
		}
	}
}

func (rm *RaftManager) monitorMetrics() {
	// Align to the next minute boundary for cleaner charts
	now := time.Now()
	nextMinute := now.Truncate(time.Minute).Add(time.Minute)
	select {
	case <-rm.shutdownCh:
		return
	case <-time.After(time.Until(nextMinute)):
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Initial report immediately (after alignment)
	rm.reportMetrics()

	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
			rm.reportMetrics()
		}
	}
}

func (rm *RaftManager) reportMetrics() {
	count := GlobalRequestCounter.Load()
	activeWS := 0
	if rm.FSM != nil {
		activeWS = rm.FSM.GetActiveWSCount()
	}
	timestamp := time.Now().Unix()

	// Capture and reset latency histogram
	rm.latencyMu.Lock()
	latency := rm.latencyAccumulator
	rm.latencyAccumulator = &Histogram{}
	rm.latencyMu.Unlock()

	payload := map[string]any{
		"nodeId":    rm.NodeID,
		"timestamp": timestamp,
		"total":     count,
		"activeWS":  activeWS,
		"latency":   latency,
	}
	data, _ := json.Marshal(payload)

	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		log.Printf("Metrics: No leader address found, skipping report (NodeID: %s)", rm.NodeID)
		return
	}

	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "http://" + leaderAddr
	}
	url := fmt.Sprintf("%s/api/cluster/metrics", leaderAddr)

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(data))
	if err != nil {
		log.Printf("Metrics Error: failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raft-Secret", rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		log.Printf("Metrics Error: failed to send report to %s: %v", leaderAddr, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("Metrics Error: Leader returned %d: %s", resp.StatusCode, string(body))
	}
}

func (rm *RaftManager) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(w, r) {
		return
	}

	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var req struct {
		NodeID    string     `json:"nodeId"`
		Timestamp int64      `json:"timestamp"`
		Total     uint64     `json:"total"`
		ActiveWS  int        `json:"activeWS"`
		Latency   *Histogram `json:"latency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Calculate Delta / RPS
	rm.countersMu.Lock()
	last, exists := rm.nodeCounters[req.NodeID]
	rm.nodeCounters[req.NodeID] = req.Total
	rm.countersMu.Unlock()

	var delta uint64
	if !exists || req.Total < last {
		// First report or restart detected
		delta = req.Total
	} else {
		delta = req.Total - last
	}

	rps := float64(delta) / 60.0

	metricsCmd := &MetricsPayload{
		Timestamp: req.Timestamp,
		Nodes: []NodeMetric{
			{NodeID: req.NodeID, RPS: rps, ActiveWS: req.ActiveWS, Latency: req.Latency},
		},
	}

	// If sender is self (Leader), also append Cluster Metrics
	if req.NodeID == rm.NodeID {
		stats := rm.Raft.Stats()

		parseUint := func(key string) uint64 {
			if v, ok := stats[key]; ok {
				var i uint64
				fmt.Sscanf(v, "%d", &i)
				return i
			}
			return 0
		}

		metricsCmd.Cluster = &ClusterMetric{
			NodeCount:    rm.FSM.GetNodeCount(),
			Elections:    parseUint("term"), // Approximation: Term is roughly election count
			LastLogIndex: rm.Raft.LastIndex(),
			Snapshots:    parseUint("last_snapshot_index"),
			TotalGames:   rm.FSM.GetTotalGames(),
			TotalTeams:   rm.FSM.GetTotalTeams(),
			ActiveGames:  rm.FSM.GetActiveGames(),
		}
	}

	cmd := RaftCommand{
		Type:           CmdMetricsUpdate,
		MetricsPayload: metricsCmd,
	}

	if _, err := rm.Propose(cmd); err != nil {
		log.Printf("Metrics Error: failed to propose update: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (rm *RaftManager) handleMetricsQuery(w http.ResponseWriter, r *http.Request) {
	data := rm.FSM.GetMetricsJSON()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
