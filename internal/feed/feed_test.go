package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

type published struct {
	kind     string
	topic    string
	md       any
	data     []byte
	legs     []types.PosInfo
	assets   []types.AssetInfo
	snapshot bool
}

// fakeSink records what the sources publish.
type fakeSink struct {
	mu  sync.Mutex
	got []published
	err error
}

func (s *fakeSink) add(p published) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, p)
	return nil
}

func (s *fakeSink) PublishMD(_ context.Context, t string, md any) error {
	return s.add(published{kind: "md", topic: t, md: md})
}

func (s *fakeSink) PublishPushTopic(_ context.Context, t string, data []byte) error {
	return s.add(published{kind: "push", topic: t, data: data})
}

func (s *fakeSink) PublishPos(_ context.Context, t string, legs []types.PosInfo, snapshot bool) error {
	return s.add(published{kind: "pos", topic: t, legs: legs, snapshot: snapshot})
}

func (s *fakeSink) PublishAssets(_ context.Context, t string, assets []types.AssetInfo, snapshot bool) error {
	return s.add(published{kind: "assets", topic: t, assets: assets, snapshot: snapshot})
}

func (s *fakeSink) Published() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.got...)
}

func tickersTopic() string {
	return topic.MD(types.MarketCodeBinance, types.SymbolTypeSpot, "BTC-USDT", types.MDTypeTickers)
}

func tickersLine(price string) string {
	return `{"topic":"` + tickersTopic() + `","ts":1700000000000,"data":{"marketCode":"Binance","symbolType":"Spot",` +
		`"symbolCode":"BTC-USDT","lastPrice":"` + price + `"}}`
}

func TestDeliver_InfersMarketDataKind(t *testing.T) {
	sink := &fakeSink{}
	if err := Deliver(context.Background(), sink, []byte(tickersLine("50000.5"))); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	got := sink.Published()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	md, ok := got[0].md.(types.Tickers)
	if !ok {
		t.Fatalf("md = %T, want types.Tickers", got[0].md)
	}
	if md.LastPrice.String() != "50000.5" {
		t.Errorf("LastPrice = %s, want 50000.5", md.LastPrice)
	}
	if md.MarketCode != types.MarketCodeBinance {
		t.Errorf("MarketCode = %v, want Binance", md.MarketCode)
	}
}

func TestDeliver_Kinds(t *testing.T) {
	posTopic := topic.PosOfAcct(7)
	assetsTopic := topic.AssetsOfAcct(7)

	tests := []struct {
		name     string
		env      string
		kind     string
		snapshot bool
	}{
		{
			name: "pos update inferred",
			env:  `{"topic":"` + posTopic + `","data":[{"acctId":7,"symbolCode":"BTC-USDT","pos":"1"}]}`,
			kind: "pos",
		},
		{
			name:     "pos snapshot",
			env:      `{"topic":"` + posTopic + `","kind":"pos_snapshot","data":[]}`,
			kind:     "pos",
			snapshot: true,
		},
		{
			name: "assets update inferred",
			env:  `{"topic":"` + assetsTopic + `","data":[{"acctId":7,"asset":"USDT","vol":"10"}]}`,
			kind: "assets",
		},
		{
			name:     "assets snapshot",
			env:      `{"topic":"` + assetsTopic + `","kind":"assets_snapshot","data":[]}`,
			kind:     "assets",
			snapshot: true,
		},
		{
			name: "push",
			env:  `{"topic":"shm://Custom.Signal.Alpha/score","kind":"push","data":{"score":1}}`,
			kind: "push",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			if err := Deliver(context.Background(), sink, []byte(tt.env)); err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}
			got := sink.Published()
			if len(got) != 1 {
				t.Fatalf("published %d messages, want 1", len(got))
			}
			if got[0].kind != tt.kind {
				t.Errorf("kind = %s, want %s", got[0].kind, tt.kind)
			}
			if got[0].snapshot != tt.snapshot {
				t.Errorf("snapshot = %v, want %v", got[0].snapshot, tt.snapshot)
			}
		})
	}
}

func TestDeliver_PushKeepsRawData(t *testing.T) {
	sink := &fakeSink{}
	env := `{"topic":"shm://Custom.Signal.Alpha/score","kind":"push","data":{"score":1}}`
	if err := Deliver(context.Background(), sink, []byte(env)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := string(sink.Published()[0].data); got != `{"score":1}` {
		t.Errorf("data = %s, want %s", got, `{"score":1}`)
	}
}

func TestDeliver_BadEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing topic", `{"kind":"tickers","data":{}}`},
		{"unknown kind", `{"topic":"` + tickersTopic() + `","kind":"quotes","data":{}}`},
		{"missing data", `{"topic":"` + tickersTopic() + `"}`},
		{"bad market code", `{"topic":"` + tickersTopic() + `","data":{"marketCode":"Nowhere"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Deliver(context.Background(), &fakeSink{}, []byte(tt.raw))
			if !errors.Is(err, ErrBadEnvelope) {
				t.Errorf("Deliver() error = %v, want %v", err, ErrBadEnvelope)
			}
		})
	}
}

func TestDeliver_SinkErrorPassesThrough(t *testing.T) {
	sink := &fakeSink{err: types.ErrEngineNotRunning}
	err := Deliver(context.Background(), sink, []byte(tickersLine("1")))
	if !errors.Is(err, types.ErrEngineNotRunning) {
		t.Errorf("Deliver() error = %v, want %v", err, types.ErrEngineNotRunning)
	}
}

func TestReplaySource(t *testing.T) {
	content := strings.Join([]string{
		"# recorded 2023-11-14",
		tickersLine("100"),
		"",
		"garbage",
		tickersLine("101"),
	}, "\n")
	path := filepath.Join(t.TempDir(), "md.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sink := &fakeSink{}
	src, err := NewReplaySource(ReplayConfig{Path: path}, sink, nil)
	if err != nil {
		t.Fatalf("NewReplaySource() error = %v", err)
	}
	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if src.Delivered() != 2 {
		t.Errorf("Delivered() = %d, want 2", src.Delivered())
	}
	got := sink.Published()
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
	if p := got[1].md.(types.Tickers).LastPrice.String(); p != "101" {
		t.Errorf("second price = %s, want 101", p)
	}
}

func TestReplaySource_MissingFile(t *testing.T) {
	src, err := NewReplaySource(ReplayConfig{Path: filepath.Join(t.TempDir(), "none.jsonl")}, &fakeSink{}, nil)
	if err != nil {
		t.Fatalf("NewReplaySource() error = %v", err)
	}
	if err := src.Run(context.Background()); err == nil {
		t.Error("Run() should fail for a missing file")
	}
}

func TestReplaySource_StopsOnSinkError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md.jsonl")
	if err := os.WriteFile(path, []byte(tickersLine("1")), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	src, _ := NewReplaySource(ReplayConfig{Path: path}, &fakeSink{err: types.ErrQueueClosed}, nil)

	if err := src.Run(context.Background()); !errors.Is(err, types.ErrQueueClosed) {
		t.Errorf("Run() error = %v, want %v", err, types.ErrQueueClosed)
	}
}

func TestWebsocketSource(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeRequest, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req

		conn.WriteMessage(websocket.TextMessage, []byte(tickersLine("200")))
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(tickersLine("201")))

		// keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &fakeSink{}
	src, err := NewWebsocketSource(WebsocketConfig{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Headers:   map[string]string{"X-Api-Key": "secret"},
		Subscribe: []string{tickersTopic()},
	}, sink, nil)
	if err != nil {
		t.Fatalf("NewWebsocketSource() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case req := <-subscribed:
		if req.Op != "subscribe" || len(req.Topics) != 1 || req.Topics[0] != tickersTopic() {
			t.Errorf("subscribe request = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the subscribe request")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Published()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want %v", err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	got := sink.Published()
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
	if p := got[0].md.(types.Tickers).LastPrice.String(); p != "200" {
		t.Errorf("first price = %s, want 200", p)
	}
}

func TestKafkaSource_Validation(t *testing.T) {
	if _, err := NewKafkaSource(KafkaConfig{Topic: "md"}, &fakeSink{}, nil); err == nil {
		t.Error("NewKafkaSource() without brokers should fail")
	}
	if _, err := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}}, &fakeSink{}, nil); err == nil {
		t.Error("NewKafkaSource() without topic should fail")
	}
}

func TestKafkaSource_Handle(t *testing.T) {
	sink := &fakeSink{}
	src, err := NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "md"}, sink, nil)
	if err != nil {
		t.Fatalf("NewKafkaSource() error = %v", err)
	}
	defer src.Close()

	if src.Name() != "kafka:md" {
		t.Errorf("Name() = %q, want %q", src.Name(), "kafka:md")
	}

	src.handle(context.Background(), kafka.Message{Value: []byte(tickersLine("300"))})
	src.handle(context.Background(), kafka.Message{Value: []byte("{")})

	got := sink.Published()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if p := got[0].md.(types.Tickers).LastPrice.String(); p != "300" {
		t.Errorf("price = %s, want 300", p)
	}
}

type stubSource struct {
	name string
	err  error
	ran  chan struct{}
}

func (s *stubSource) Run(ctx context.Context) error {
	close(s.ran)
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubSource) Close() error { return nil }
func (s *stubSource) Name() string { return s.name }

func TestRunAll(t *testing.T) {
	ok := &stubSource{name: "ok", ran: make(chan struct{})}
	bad := &stubSource{name: "bad", err: errors.New("broker down"), ran: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAll(ctx, nil, ok, bad) }()

	<-ok.ran
	<-bad.ran
	cancel()

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "bad: broker down") {
		t.Errorf("RunAll() error = %v, want the failing source's error", err)
	}
}
