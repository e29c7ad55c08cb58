package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/events"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

func stageEvent(visitID int64, from, to string) events.Event {
	return events.Event{
		ID:         "ev-1",
		Type:       events.TypeVisitStageChanged,
		VisitID:    visitID,
		PatientID:  7,
		FromStage:  from,
		ToStage:    to,
		OccurredAt: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
	}
}

func drain(t *testing.T, c *Client) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case data := <-c.Send:
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("decode message: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	client := newClient("c1", TopicVisits, "bogus", StageTopic("arrived"))

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(TopicVisits) != 1 || hub.TopicCount("visits/arrived") != 1 {
		t.Error("expected valid topics to be subscribed")
	}
	if hub.TopicCount("bogus") != 0 || len(client.Topics) != 2 {
		t.Errorf("expected invalid topic to be ignored, topics=%v", client.Topics)
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(TopicVisits) != 0 {
		t.Error("expected hub to be empty")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send to be closed")
	}
	hub.Unregister(client)
}

func TestHub_PublishRoutesByStage(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	all := newClient("all", TopicVisits)
	triageQueue := newClient("triage", StageTopic("arrived"))
	consultQueue := newClient("consult", StageTopic("waiting_consultation"))
	hub.Register(all)
	hub.Register(triageQueue)
	hub.Register(consultQueue)

	if err := hub.Publish(context.Background(), stageEvent(11, "arrived", "in_triage")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := drain(t, all); len(got) != 1 || got[0].Event.VisitID != 11 {
		t.Errorf("expected broadcast subscriber to receive event, got %+v", got)
	}
	if got := drain(t, triageQueue); len(got) != 1 || got[0].Event.ToStage != "in_triage" {
		t.Errorf("expected source stage subscriber to receive event, got %+v", got)
	}
	if got := drain(t, consultQueue); len(got) != 0 {
		t.Errorf("expected unrelated stage subscriber to receive nothing, got %d", len(got))
	}
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	c := newClient("c", TopicVisits, StageTopic("arrived"), StageTopic("in_triage"))
	hub.Register(c)

	_ = hub.Publish(context.Background(), stageEvent(1, "arrived", "in_triage"))
	if got := drain(t, c); len(got) != 1 {
		t.Errorf("expected exactly one delivery, got %d", len(got))
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{TopicVisits}, Send: make(chan []byte, 1)}
	hub.Register(c)

	_ = hub.Publish(context.Background(), stageEvent(1, "", "arrived"))
	_ = hub.Publish(context.Background(), stageEvent(2, "", "arrived"))

	if hub.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", hub.Dropped())
	}
}

func TestHub_PublishScopedToFacility(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	local := newClient("local", TopicVisits)
	local.Facility = "default"
	unscoped := newClient("unscoped", TopicVisits)
	north := &Client{ID: "north", Facility: "north_wing", Topics: []string{TopicVisits}, Send: make(chan []byte, 8)}
	hub.Register(local)
	hub.Register(unscoped)
	hub.Register(north)

	ev := stageEvent(5, "", "arrived")
	ev.Facility = "north_wing"
	ev.PatientID = 42
	_ = hub.Publish(context.Background(), ev)

	if got := drain(t, north); len(got) != 1 || got[0].Event.PatientID != 42 {
		t.Errorf("expected same-facility client to receive event, got %+v", got)
	}
	if got := drain(t, local); len(got) != 0 {
		t.Errorf("expected other facility client to receive nothing, got %d", len(got))
	}
	if got := drain(t, unscoped); len(got) != 0 {
		t.Errorf("expected default facility client to receive nothing, got %d", len(got))
	}

	// An event without a facility belongs to the default one.
	_ = hub.Publish(context.Background(), stageEvent(6, "", "arrived"))
	if got := drain(t, local); len(got) != 1 {
		t.Errorf("expected default facility client to receive event, got %d", len(got))
	}
	if got := drain(t, unscoped); len(got) != 1 {
		t.Errorf("expected unscoped client to receive default event, got %d", len(got))
	}
	if got := drain(t, north); len(got) != 0 {
		t.Errorf("expected north_wing client to receive nothing, got %d", len(got))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	c := newClient("c")
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"visits/in_triage", "visits/in_triage", "visits/"}})
	if len(c.Topics) != 1 || hub.TopicCount("visits/in_triage") != 1 {
		t.Fatalf("expected one deduplicated topic, got %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"visits/in_triage"}})
	if len(c.Topics) != 0 || hub.TopicCount("visits/in_triage") != 0 {
		t.Errorf("expected topic removed, got %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "shout", Topics: []string{TopicVisits}})
	if len(c.Topics) != 0 {
		t.Error("expected unknown action to be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("c", TopicVisits)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func(id int64) {
			defer wg.Done()
			_ = hub.Publish(context.Background(), stageEvent(id, "", "arrived"))
		}(int64(i))
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Error("expected request without Origin to pass")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !check(req) {
		t.Error("expected listed origin to pass")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Error("expected unlisted origin to be rejected")
	}
	if !originChecker([]string{"*"})(req) {
		t.Error("expected wildcard to accept any origin")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	wh := NewHandler(NewHub("default", zerolog.Nop()), nil, zerolog.Nop())
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	err := wh.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for a plain request")
	}
}

func TestHandler_FullUpgradeReceivesStageChange(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil, zerolog.Nop()).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=visits/waiting_consultation"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("visits/waiting_consultation") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), stageEvent(99, "in_triage", "waiting_consultation"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Event.VisitID != 99 || got.Event.FromStage != "in_triage" {
		t.Errorf("unexpected event %+v", got.Event)
	}
}

func TestHandler_UpgradeBindsRequestFacility(t *testing.T) {
	hub := NewHub("default", zerolog.Nop())
	e := echo.New()
	withFacility := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), db.FacilityIDKey, "north_wing")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
	NewHandler(hub, nil, zerolog.Nop()).RegisterRoutes(e.Group("", withFacility))

	server := httptest.NewServer(e)
	defer server.Close()

	conn, _, err := gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(TopicVisits) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	foreign := stageEvent(1, "", "arrived")
	foreign.Facility = "south_wing"
	_ = hub.Publish(context.Background(), foreign)
	_ = hub.Publish(context.Background(), stageEvent(2, "", "arrived"))
	own := stageEvent(3, "", "arrived")
	own.Facility = "north_wing"
	_ = hub.Publish(context.Background(), own)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Event.VisitID != 3 {
		t.Errorf("expected only the north_wing event, got visit %d", got.Event.VisitID)
	}
}
