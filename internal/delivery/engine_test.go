package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/notify"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/registry"
)

// recordingPusher returns a preset result per connection and remembers every
// payload it was asked to push.
type recordingPusher struct {
	mu      sync.Mutex
	results map[string]Result
	pushed  map[string][][]byte
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{results: map[string]Result{}, pushed: map[string][][]byte{}}
}

func (p *recordingPusher) Push(_ context.Context, id string, payload []byte) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed[id] = append(p.pushed[id], payload)
	if r, ok := p.results[id]; ok {
		return r
	}
	return Delivered()
}

func (p *recordingPusher) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed[id])
}

func seed(t *testing.T, reg registry.Registry, id, user string, topics ...string) {
	t.Helper()
	c := registry.NewConnection(id, user, time.Now(), time.Hour)
	c.Subscriptions = topics
	if err := reg.Put(context.Background(), c); err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
}

func testMessage() notify.Message {
	return notify.Message{
		Type:       notify.TypeAnalysisNotification,
		Event:      notify.EventCompleted,
		PropertyID: "p9",
		Timestamp:  time.Now(),
	}
}

func TestDeliverDeduplicatesTargets(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	seed(t, reg, "c1", "u1", "analysis.completed")
	pusher := newRecordingPusher()
	e := NewEngine(reg, pusher, zap.NewNop(), Options{})

	addr := notify.Addressing{}.ToUser("u1").ToTopic("analysis.completed").ToTopic("property.p9.analysis")
	n, err := e.Deliver(context.Background(), testMessage(), addr)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if pusher.count("c1") != 1 {
		t.Fatalf("expected exactly one push to c1, got %d", pusher.count("c1"))
	}

	var frame map[string]any
	if err := json.Unmarshal(pusher.pushed["c1"][0], &frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if frame["type"] != "analysis_notification" || frame["event"] != "completed" || frame["propertyId"] != "p9" {
		t.Errorf("unexpected frame %v", frame)
	}
}

func TestDeliverPrunesGoneOnly(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(nil)
	seed(t, reg, "dead", "u1", "t")
	seed(t, reg, "live", "u2", "t")
	seed(t, reg, "flaky", "u3", "t")

	pusher := newRecordingPusher()
	pusher.results["dead"] = Gone(errors.New("410"))
	pusher.results["flaky"] = Failed(errors.New("throttled"))
	e := NewEngine(reg, pusher, zap.NewNop(), Options{})

	n, err := e.Deliver(ctx, testMessage(), notify.Addressing{}.ToTopic("t"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if pusher.count("live") != 1 {
		t.Errorf("expected live target to receive its push")
	}
	if _, ok, _ := reg.Get(ctx, "dead"); ok {
		t.Error("expected gone connection to be pruned")
	}
	if _, ok, _ := reg.Get(ctx, "flaky"); !ok {
		t.Error("expected failed connection to be kept")
	}
	if pusher.count("dead") != 1 || pusher.count("flaky") != 1 {
		t.Error("expected exactly one attempt per target")
	}
}

func TestDeliverTimesOutSlowTarget(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	seed(t, reg, "slow", "u1", "t")
	seed(t, reg, "fast", "u2", "t")

	pusher := PusherFunc(func(ctx context.Context, id string, _ []byte) Result {
		if id == "slow" {
			<-ctx.Done()
			return Failed(ctx.Err())
		}
		return Delivered()
	})
	e := NewEngine(reg, pusher, zap.NewNop(), Options{PushTimeout: 20 * time.Millisecond})

	start := time.Now()
	n, _ := e.Deliver(context.Background(), testMessage(), notify.Addressing{}.ToTopic("t"))
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected bounded fan-out, took %v", elapsed)
	}
	if _, ok, _ := reg.Get(context.Background(), "slow"); !ok {
		t.Error("expected timed-out connection to be kept")
	}
}

type failingUserLookup struct {
	registry.Registry
}

func (failingUserLookup) FindByUser(context.Context, string) ([]registry.Connection, error) {
	return nil, notify.E(notify.KindTransient, "registry.find_by_user", errors.New("connection refused"))
}

func TestDeliverLookupFailureIsPartial(t *testing.T) {
	mem := registry.NewMemoryRegistry(nil)
	seed(t, mem, "c1", "u1", "t")
	pusher := newRecordingPusher()
	e := NewEngine(failingUserLookup{mem}, pusher, zap.NewNop(), Options{})

	n, err := e.Deliver(context.Background(), testMessage(), notify.Addressing{}.ToUser("u1").ToTopic("t"))
	if !notify.Is(err, notify.KindTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected topic target still delivered, got %d", n)
	}
}

func TestDeliverBroadcast(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	for i := 0; i < 5; i++ {
		seed(t, reg, fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
	}
	e := NewEngine(reg, newRecordingPusher(), zap.NewNop(), Options{})

	n, err := e.Deliver(context.Background(), testMessage(), notify.Addressing{Broadcast: true})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 deliveries, got %d", n)
	}
}

func TestDeliverNoTargets(t *testing.T) {
	e := NewEngine(registry.NewMemoryRegistry(nil), newRecordingPusher(), zap.NewNop(), Options{})
	n, err := e.Deliver(context.Background(), testMessage(), notify.Addressing{}.ToTopic("nobody"))
	if err != nil || n != 0 {
		t.Errorf("expected 0 and no error, got %d and %v", n, err)
	}
}

func TestDeliverRespectsConcurrencyLimit(t *testing.T) {
	reg := registry.NewMemoryRegistry(nil)
	for i := 0; i < 20; i++ {
		seed(t, reg, fmt.Sprintf("c%02d", i), "u1")
	}

	var inFlight, peak atomic.Int32
	pusher := PusherFunc(func(context.Context, string, []byte) Result {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Delivered()
	})
	e := NewEngine(reg, pusher, zap.NewNop(), Options{Concurrency: 3})

	n, _ := e.Deliver(context.Background(), testMessage(), notify.Addressing{}.ToUser("u1"))
	if n != 20 {
		t.Errorf("expected 20 deliveries, got %d", n)
	}
	if peak.Load() > 3 {
		t.Errorf("expected at most 3 concurrent pushes, saw %d", peak.Load())
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(nil)
	seed(t, reg, "c1", "u1")
	seed(t, reg, "c2", "u2")
	pusher := newRecordingPusher()
	pusher.results["c2"] = Gone(nil)
	e := NewEngine(reg, pusher, zap.NewNop(), Options{})

	ack := notify.Ack(notify.TypeSubscriptionConfirmed, "t", []string{"t"}, time.Now())
	if !e.Send(ctx, "c1", ack) {
		t.Error("expected send to c1 to succeed")
	}
	if e.Send(ctx, "c2", ack) {
		t.Error("expected send to gone c2 to fail")
	}
	if _, ok, _ := reg.Get(ctx, "c2"); ok {
		t.Error("expected gone c2 to be pruned")
	}
}

func TestStatusString(t *testing.T) {
	got := []string{StatusDelivered.String(), StatusGone.String(), StatusFailed.String(), Status(9).String()}
	if !slices.Equal(got, []string{"delivered", "gone", "failed", "unknown"}) {
		t.Errorf("unexpected names %v", got)
	}
}
