package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/tracking"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func sampleRide() *models.Ride {
	return &models.Ride{ID: "r1", CreatorID: "p1", DriverID: "d1", Passengers: []string{"p1"}, Status: models.RideCancelled,
		Cancellation: &models.Cancellation{Reason: "changed plans", By: models.ActorPassenger}}
}

func TestKafkaNotifierKeysByRide(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifierWithWriter(w)
	ev := NewRideEvent(EventRideCancelled, sampleRide(), time.Now())

	if err := n.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "r1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != EventRideCancelled || got.Actor != "passenger" || got.Reason != "changed plans" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestKafkaNotifierDoesNotWaitForFullBatch(t *testing.T) {
	n := NewKafkaNotifier([]string{"localhost:9092"}, "ride-events")
	defer n.Close()
	w, ok := n.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected a kafka writer, got %T", n.writer)
	}
	if w.BatchTimeout <= 0 || w.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("batch timeout %v would delay every publish", w.BatchTimeout)
	}
	if w.Topic != "ride-events" {
		t.Fatalf("unexpected topic %q", w.Topic)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &fakeWriter{}
	bad := &fakeWriter{err: errors.New("broker down")}
	f := Fanout{NewKafkaNotifierWithWriter(bad), NewKafkaNotifierWithWriter(ok), &LogNotifier{}}

	err := f.Publish(context.Background(), NewRideEvent(EventRideStarted, sampleRide(), time.Now()))
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.msgs) != 1 {
		t.Fatalf("healthy notifier should still publish, got %d", len(ok.msgs))
	}
}

func TestWSRegistryDeliversToRideSubscribers(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(r.URL.Query().Get("ride"), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?ride=r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Subscribers("r1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reg.Broadcast("other", tracking.Snapshot{RideID: "other"})
	reg.Broadcast("r1", tracking.Snapshot{RideID: "r1", Status: models.RideInProgress})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string            `json:"type"`
		Data tracking.Snapshot `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "tracking" || msg.Data.RideID != "r1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if err := reg.Publish(context.Background(), NewRideEvent(EventRideCompleted, &models.Ride{ID: "r1", Status: models.RideCompleted}, time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var ev struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != string(EventRideCompleted) || ev.Data.Status != models.RideCompleted {
		t.Fatalf("unexpected event %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for reg.Subscribers("r1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSRegistryDropsSlowSubscriber(t *testing.T) {
	reg := NewWSRegistry(nil)
	// no write pump: the queue is never drained
	slow := newWSSession(nil, 1)
	reg.register("r1", slow)

	start := time.Now()
	reg.Broadcast("r1", tracking.Snapshot{RideID: "r1"})
	if reg.Subscribers("r1") != 1 {
		t.Fatal("first message should fit the queue")
	}
	reg.Broadcast("r1", tracking.Snapshot{RideID: "r1"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("broadcast blocked on a slow subscriber for %v", elapsed)
	}
	if reg.Subscribers("r1") != 0 {
		t.Fatal("slow subscriber should be dropped")
	}
	if slow.enqueue([]byte("{}")) {
		t.Fatal("dropped session must not accept messages")
	}
}
