package optimizer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/proxy"
)

// fakeAdmin implements proxy.AdminAPI over mutable stats, recording the
// transaction protocol.
type fakeAdmin struct {
	mu          sync.Mutex
	stats       []proxy.BackendStats
	failServer  string // staging this server name fails
	begun       int
	commits     int
	aborts      int
	staged      map[string]int // "backend/server" -> weight (staged, uncommitted)
	weights     map[string]int // committed weights
}

func newFakeAdmin(stats []proxy.BackendStats) *fakeAdmin {
	return &fakeAdmin{
		stats:   stats,
		staged:  make(map[string]int),
		weights: make(map[string]int),
	}
}

func (f *fakeAdmin) Healthy(ctx context.Context) error { return nil }
func (f *fakeAdmin) Reload(ctx context.Context) error  { return nil }

func (f *fakeAdmin) Stats(ctx context.Context) ([]proxy.BackendStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proxy.BackendStats, len(f.stats))
	copy(out, f.stats)
	return out, nil
}

func (f *fakeAdmin) BeginTransaction(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun++
	f.staged = make(map[string]int)
	return "txn-1", nil
}

func (f *fakeAdmin) UpdateServerWeight(ctx context.Context, txnID, backend, server string, weight int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if server == f.failServer {
		return errors.New("staging failure")
	}
	f.staged[backend+"/"+server] = weight
	return nil
}

func (f *fakeAdmin) CommitTransaction(ctx context.Context, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	for k, w := range f.staged {
		f.weights[k] = w
	}
	// Reflect committed weights back into stats so the next pass sees them.
	for bi := range f.stats {
		for si := range f.stats[bi].Servers {
			key := f.stats[bi].Name + "/" + f.stats[bi].Servers[si].Name
			if w, ok := f.staged[key]; ok {
				f.stats[bi].Servers[si].Weight = w
			}
		}
	}
	f.staged = make(map[string]int)
	return nil
}

func (f *fakeAdmin) AbortTransaction(ctx context.Context, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.staged = make(map[string]int)
	return nil
}

func testOptimizerConfig(algorithm string) config.OptimizerConfig {
	return config.OptimizerConfig{
		Enabled:                 true,
		Algorithm:               algorithm,
		Interval:                config.DefaultOptimizerInterval,
		AdaptationRate:          0.3,
		EmergencyAdaptationRate: 0.6,
		MinWeightDelta:          5,
	}
}

// unevenStats returns one backend with a fast and a struggling server.
func unevenStats() []proxy.BackendStats {
	return []proxy.BackendStats{{
		Name: "alpha-mongodb-service",
		Servers: []proxy.ServerStats{
			{Name: "fast", Weight: 100, CurrentConns: 10, MaxConns: 100, ResponseTimeMs: 5, QueueDepth: 0, ErrorRate: 0, Up: true},
			{Name: "slow", Weight: 100, CurrentConns: 90, MaxConns: 100, ResponseTimeMs: 900, QueueDepth: 4, ErrorRate: 3, Up: true},
		},
	}}
}

func TestAdaptiveShiftsWeightTowardFastServer(t *testing.T) {
	changes := NewAdaptiveStrategy().Propose(unevenStats(), 0.3)

	byName := map[string]WeightChange{}
	for _, c := range changes {
		byName[c.Server] = c
	}

	if byName["fast"].ProposedWeight <= byName["fast"].CurrentWeight {
		t.Errorf("fast server weight should rise: %+v", byName["fast"])
	}
	if byName["slow"].ProposedWeight >= byName["slow"].CurrentWeight {
		t.Errorf("slow server weight should fall: %+v", byName["slow"])
	}

	for _, c := range changes {
		if c.ProposedWeight < MinWeight || c.ProposedWeight > MaxWeight {
			t.Errorf("weight %d out of bounds", c.ProposedWeight)
		}
	}
}

func TestAdaptiveDownServerGetsMinimum(t *testing.T) {
	stats := unevenStats()
	stats[0].Servers[1].Up = false
	stats[0].Servers[1].Weight = 200

	changes := NewAdaptiveStrategy().Propose(stats, 1.0) // full step
	for _, c := range changes {
		if c.Server == "slow" && c.ProposedWeight != MinWeight {
			t.Errorf("down server weight = %d, want %d", c.ProposedWeight, MinWeight)
		}
	}
}

func TestAdaptiveConvergence(t *testing.T) {
	// Under a steady snapshot the total proposed movement must shrink
	// monotonically as weights are applied back.
	stats := unevenStats()
	s := NewAdaptiveStrategy()

	prevDelta := 1 << 30
	for pass := 0; pass < 5; pass++ {
		changes := s.Propose(stats, 0.3)
		total := 0
		for _, c := range changes {
			total += c.Delta()
		}
		if total > prevDelta {
			t.Fatalf("pass %d delta %d exceeds previous %d", pass, total, prevDelta)
		}
		prevDelta = total

		// Apply proposals as the new weights.
		for _, c := range changes {
			for si := range stats[0].Servers {
				if stats[0].Servers[si].Name == c.Server {
					stats[0].Servers[si].Weight = c.ProposedWeight
				}
			}
		}
	}
}

func TestBalancedConvergesTowardUniform(t *testing.T) {
	stats := []proxy.BackendStats{{
		Name: "b",
		Servers: []proxy.ServerStats{
			{Name: "heavy", Weight: 250, Up: true},
			{Name: "light", Weight: 10, Up: true},
			{Name: "down", Weight: 180, Up: false},
		},
	}}

	changes := NewBalancedStrategy().Propose(stats, 1.0)
	byName := map[string]int{}
	for _, c := range changes {
		byName[c.Server] = c.ProposedWeight
	}

	if byName["heavy"] != 100 || byName["light"] != 100 {
		t.Errorf("balanced full-step weights = %v, want 100 for up servers", byName)
	}
	if byName["down"] != MinWeight {
		t.Errorf("down server weight = %d, want %d", byName["down"], MinWeight)
	}
}

func TestOptimizeAppliesTransactionally(t *testing.T) {
	admin := newFakeAdmin(unevenStats())
	o, err := New(admin, nil, testOptimizerConfig("adaptive"), events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}

	applied, err := o.Optimize(context.Background(), false)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected applied changes for an uneven backend")
	}

	admin.mu.Lock()
	defer admin.mu.Unlock()
	if admin.begun != 1 || admin.commits != 1 || admin.aborts != 0 {
		t.Errorf("txn protocol: begun=%d commits=%d aborts=%d", admin.begun, admin.commits, admin.aborts)
	}
	if len(admin.weights) != len(applied) {
		t.Errorf("committed %d weights, applied %d changes", len(admin.weights), len(applied))
	}
}

func TestOptimizeAbortsOnPartialFailure(t *testing.T) {
	admin := newFakeAdmin(unevenStats())
	admin.failServer = "slow"

	o, err := New(admin, nil, testOptimizerConfig("adaptive"), events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Optimize(context.Background(), false); err == nil {
		t.Fatal("expected error on staging failure")
	}

	admin.mu.Lock()
	defer admin.mu.Unlock()
	if admin.aborts != 1 {
		t.Errorf("aborts = %d, want 1", admin.aborts)
	}
	if admin.commits != 0 {
		t.Errorf("commits = %d, want 0", admin.commits)
	}
	if len(admin.weights) != 0 {
		t.Errorf("weights committed despite abort: %v", admin.weights)
	}
}

func TestOptimizeSuppressesSmallDeltas(t *testing.T) {
	// A perfectly symmetric backend yields no significant change.
	stats := []proxy.BackendStats{{
		Name: "even",
		Servers: []proxy.ServerStats{
			{Name: "a", Weight: 100, CurrentConns: 10, MaxConns: 100, ResponseTimeMs: 10, Up: true},
			{Name: "b", Weight: 100, CurrentConns: 10, MaxConns: 100, ResponseTimeMs: 10, Up: true},
		},
	}}
	admin := newFakeAdmin(stats)

	o, err := New(admin, nil, testOptimizerConfig("adaptive"), events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}

	applied, err := o.Optimize(context.Background(), false)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if applied != nil {
		t.Errorf("applied = %v, want nil for symmetric backend", applied)
	}

	admin.mu.Lock()
	defer admin.mu.Unlock()
	if admin.begun != 0 {
		t.Error("transaction opened with nothing to apply")
	}
}

func TestEmergencyDetection(t *testing.T) {
	o, err := New(newFakeAdmin(nil), nil, testOptimizerConfig("adaptive"), events.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}

	quiet := []proxy.BackendStats{{Name: "b", Servers: []proxy.ServerStats{
		{Name: "a", QueueDepth: 1, CurrentConns: 10, MaxConns: 100, Up: true},
	}}}
	if o.detectEmergency(quiet) {
		t.Error("quiet backend flagged as emergency")
	}

	queued := []proxy.BackendStats{{Name: "b", Servers: []proxy.ServerStats{
		{Name: "a", QueueDepth: 6, Up: true},
	}}}
	if !o.detectEmergency(queued) {
		t.Error("deep queue not flagged")
	}

	saturated := []proxy.BackendStats{{Name: "b", Servers: []proxy.ServerStats{
		{Name: "a", CurrentConns: 85, MaxConns: 100, Up: true},
	}}}
	if !o.detectEmergency(saturated) {
		t.Error("high utilization not flagged")
	}
}

func TestStatePersistence(t *testing.T) {
	state, err := OpenState(filepath.Join(t.TempDir(), "optimizer.db"))
	if err != nil {
		t.Fatalf("OpenState: %v", err)
	}
	defer state.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := state.RecordSample(ctx, TrafficSample{
			Backend:     "b1",
			Connections: 10 + i,
			QueueDepth:  i,
		}); err != nil {
			t.Fatalf("RecordSample: %v", err)
		}
	}

	samples, err := state.RecentSamples(ctx, "b1", 10)
	if err != nil {
		t.Fatalf("RecentSamples: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("no samples returned")
	}

	rec := OptimizationRecord{
		Algorithm: "adaptive",
		Applied:   true,
		Changes:   []WeightChange{{Backend: "b1", Server: "s1", CurrentWeight: 100, ProposedWeight: 120}},
	}
	if err := state.AppendHistory(ctx, rec); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	history, err := state.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || !history[0].Applied || len(history[0].Changes) != 1 {
		t.Errorf("history = %+v", history)
	}
	if history[0].Changes[0].ProposedWeight != 120 {
		t.Errorf("change round trip = %+v", history[0].Changes[0])
	}
}

func TestRegressionSlope(t *testing.T) {
	base := samplesAt([]int{10, 20, 30, 40})
	if slope := regressionSlope(base); slope <= 0 {
		t.Errorf("rising series slope = %f, want > 0", slope)
	}

	flat := samplesAt([]int{25, 25, 25, 25})
	if slope := regressionSlope(flat); slope != 0 {
		t.Errorf("flat series slope = %f, want 0", slope)
	}
}

func samplesAt(conns []int) []TrafficSample {
	out := make([]TrafficSample, len(conns))
	base := time.Unix(1700000000, 0)
	for i, c := range conns {
		out[i] = TrafficSample{
			Backend:     "b",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Connections: c,
		}
	}
	return out
}
