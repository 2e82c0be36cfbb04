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
	"time"
)

func TestRingBuffer_AddAndGet(t *testing.T) {
	cfg := ResolutionConfig{
		Name:       "1m",
		Resolution: 60 * time.Second,
		Buckets:    5,
	}
	rb := NewRingBuffer[float64](cfg)

	baseTime := int64(1000020) // not aligned to the minute

	// Add 1st point
	rb.Add(baseTime, 10.0)
	points := rb.GetPoints()
	if len(points) != 1 {
		t.Errorf("Expected 1 point, got %d", len(points))
	}
	if points[0].Value != 10.0 {
		t.Errorf("Expected value 10.0, got %f", points[0].Value)
	}
	if points[0].Timestamp != (baseTime/60)*60 {
		t.Errorf("Timestamp not aligned: %d", points[0].Timestamp)
	}

	// Add 2nd point (next minute)
	rb.Add(baseTime+60, 20.0)
	points = rb.GetPoints()
	if len(points) != 2 {
		t.Errorf("Expected 2 points, got %d", len(points))
	}

	// Same aligned minute updates in place
	rb.Add(baseTime+60, 25.0)
	points = rb.GetPoints()
	if len(points) != 2 {
		t.Errorf("Expected 2 points after update, got %d", len(points))
	}
	if points[1].Value != 25.0 {
		t.Errorf("Expected updated value 25.0, got %f", points[1].Value)
	}

	// Fill buffer: 10, 25, 30, 40, 50
	rb.Add(baseTime+120, 30.0)
	rb.Add(baseTime+180, 40.0)
	rb.Add(baseTime+240, 50.0)

	// Wrap around (overwrite first point)
	rb.Add(baseTime+300, 60.0)
	points = rb.GetPoints()
	if len(points) != 5 {
		t.Errorf("Expected 5 points after wrap, got %d", len(points))
	}
	if points[0].Timestamp != ((baseTime + 60) / 60 * 60) {
		t.Errorf("Expected oldest timestamp %d, got %d", (baseTime+60)/60*60, points[0].Timestamp)
	}
	if points[4].Value != 60.0 {
		t.Errorf("Expected newest value 60.0, got %f", points[4].Value)
	}
}

func TestMetricSeries_IngestAggregation(t *testing.T) {
	ms := NewMetricSeries("test_metric", "Avg")

	baseTime := int64(3000) // multiple of 60 and 300

	// Five minutes of data, all in the same 5m bucket.
	inputs := []float64{10, 20, 30, 40, 50}
	for i, v := range inputs {
		ms.Ingest(baseTime+int64(i*60), v)
	}

	points1m := ms.Buffers["1m"].GetPoints()
	if len(points1m) != 5 {
		t.Errorf("Expected 5 points in 1m buffer, got %d", len(points1m))
	}

	points5m := ms.Buffers["5m"].GetPoints()
	if len(points5m) != 1 {
		t.Fatalf("Expected 1 point in 5m buffer, got %d", len(points5m))
	}
	if points5m[0].Value != 30.0 {
		t.Errorf("Expected 5m average 30.0, got %f", points5m[0].Value)
	}

	// Next 5m bucket.
	ms.Ingest(baseTime+300, 100.0)
	points5m = ms.Buffers["5m"].GetPoints()
	if len(points5m) != 2 {
		t.Errorf("Expected 2 points in 5m buffer, got %d", len(points5m))
	}
	if points5m[1].Value != 100.0 {
		t.Errorf("Expected 2nd bucket value 100.0, got %f", points5m[1].Value)
	}
}

func TestMetricSeries_SumAggregation(t *testing.T) {
	ms := NewMetricSeries("test_counter", "Sum")

	baseTime := int64(6000)
	ms.Ingest(baseTime, 3.0)
	ms.Ingest(baseTime+10, 4.0)

	points1m := ms.Buffers["1m"].GetPoints()
	if len(points1m) != 1 {
		t.Fatalf("Expected 1 point in 1m buffer, got %d", len(points1m))
	}
	if points1m[0].Value != 7.0 {
		t.Errorf("Expected summed value 7.0, got %f", points1m[0].Value)
	}
}

func TestHistogram_AddAndMerge(t *testing.T) {
	h := &Histogram{}
	h.Add(40 * time.Millisecond)  // Bucket 0 (0-49ms)
	h.Add(50 * time.Millisecond)  // Bucket 1 (50-99ms)
	h.Add(150 * time.Millisecond) // Bucket 3 (150-199ms)
	h.Add(6 * time.Second)        // Last bucket (>= 5000ms)

	if h.Count != 4 {
		t.Errorf("Expected count 4, got %d", h.Count)
	}
	if h.Buckets[0] != 1 {
		t.Errorf("Bucket 0 mismatch: %d", h.Buckets[0])
	}
	if h.Buckets[1] != 1 {
		t.Errorf("Bucket 1 mismatch: %d", h.Buckets[1])
	}
	if h.Buckets[3] != 1 {
		t.Errorf("Bucket 3 mismatch: %d", h.Buckets[3])
	}
	if h.Buckets[LatencyBuckets-1] != 1 {
		t.Errorf("Last bucket mismatch: %d", h.Buckets[LatencyBuckets-1])
	}

	h2 := &Histogram{}
	h2.Add(100 * time.Millisecond) // Bucket 2
	h.Merge(h2)

	if h.Count != 5 || h.Buckets[2] != 1 {
		t.Errorf("Merge failed")
	}

	// Merging nil is a no-op.
	h.Merge(nil)
	if h.Count != 5 {
		t.Errorf("Merge(nil) changed count: %d", h.Count)
	}
}

func TestHistogramSeries_Ingest(t *testing.T) {
	hs := NewHistogramSeries("test_latency")
	baseTime := int64(6000)

	h1 := &Histogram{}
	h1.Add(100 * time.Millisecond)
	hs.Ingest(baseTime, h1)

	h2 := &Histogram{}
	h2.Add(200 * time.Millisecond)
	hs.Ingest(baseTime+10, h2)

	points1m := hs.Buffers["1m"].GetPoints()
	if len(points1m) != 1 || points1m[0].Value.Count != 2 {
		t.Fatalf("Expected 1 point with count 2, got %d points", len(points1m))
	}
}

func TestFSMMetricsUpdate(t *testing.T) {
	fsm, _ := newTestFSM(t)

	// 1. Apply a metrics update through the Raft command path.
	payload := &MetricsPayload{
		Timestamp: 1700000000,
		Nodes: []NodeMetric{
			{NodeID: "n1", RPS: 5.5, ActiveWS: 3},
		},
		Cluster: &ClusterMetric{
			NodeCount:  2,
			TotalGames: 7,
		},
	}
	res := applyCmd(t, fsm, 1, RaftCommand{
		Type:           CmdMetricsUpdate,
		MetricsPayload: payload,
	})
	if err, ok := res.(error); ok && err != nil {
		t.Fatalf("metrics update failed: %v", err)
	}

	// 2. Node RPS and websocket gauges land in separate series.
	points := fsm.metrics.GetNodeSeries("n1").Buffers["1m"].GetPoints()
	if len(points) == 0 || points[0].Value != 5.5 {
		t.Errorf("Node RPS not stored: %+v", points)
	}
	wsPoints := fsm.metrics.GetNodeSeries("n1:ws").Buffers["1m"].GetPoints()
	if len(wsPoints) == 0 || wsPoints[0].Value != 3.0 {
		t.Errorf("Node WS gauge not stored: %+v", wsPoints)
	}

	// 3. Cluster gauges.
	gamePoints := fsm.metrics.GetClusterSeries("totalGames").Buffers["1m"].GetPoints()
	if len(gamePoints) == 0 || gamePoints[0].Value != 7.0 {
		t.Errorf("Cluster totalGames not stored: %+v", gamePoints)
	}
	if fsm.metrics.LastUpdate != payload.Timestamp {
		t.Errorf("LastUpdate mismatch: got %d, want %d", fsm.metrics.LastUpdate, payload.Timestamp)
	}

	// 4. GetMetricsJSON exposes the same data.
	out := fsm.GetMetricsJSON()
	if out["lastUpdate"] != payload.Timestamp {
		t.Errorf("GetMetricsJSON lastUpdate mismatch: %v", out["lastUpdate"])
	}
}

func TestMetricsStoreHydrate(t *testing.T) {
	// A store deserialized from an older snapshot may miss buffers for
	// resolutions added since. Hydrate must fill the gaps.
	s := NewMetricsStore()
	s.GetNodeSeries("n1")
	delete(s.NodeMetrics["n1"].Buffers, "1h")
	s.GetNodeLatencySeries("n1")
	s.NodeLatencies["n1"].Buffers = nil

	s.Hydrate()

	if s.NodeMetrics["n1"].Buffers["1h"] == nil {
		t.Errorf("Hydrate did not restore 1h buffer")
	}
	if s.NodeLatencies["n1"].Buffers["1m"] == nil {
		t.Errorf("Hydrate did not restore latency buffers")
	}
}
