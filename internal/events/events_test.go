package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
)

var ts = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func tradeEvent(entity string) Event {
	return Event{Type: TypeTrade, Time: ts, Trade: &model.TradeRecord{
		ID: "t-" + entity, Sequence: 7, EntityID: entity, Holder: "alice", Side: model.SideBuy,
		Shares: fixed.MustParseAmount("10"), Tokens: fixed.MustParseAmount("17.5"),
		Price: fixed.MustParseAmount("1.75"), Score: fixed.MustParseScore("150"), Timestamp: ts,
	}}
}

func scoreEvent(entity string) Event {
	return Event{Type: TypeScoreUpdated, Time: ts, Score: &model.ScoreChange{
		EntityID: entity, Previous: fixed.NewScore(100), Score: fixed.NewScore(150),
		Sequence: 3, UpdatedBy: "oracle", UpdatedAt: ts,
	}}
}

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, evs ...Event) error {
	r.got = append(r.got, evs...)
	return r.err
}

func TestMulti_DeliversToAllAndReportsFailures(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("connection refused")}
	m := Multi{{Name: "bad", Publisher: bad}, {Name: "ok", Publisher: ok}}

	err := m.Publish(context.Background(), tradeEvent("p1"), scoreEvent("p1"))
	require.Error(t, err)
	assert.Equal(t, []string{"bad"}, FailedSinks(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, ok.got, 2, "a failing sink must not block the others")

	assert.NoError(t, m.Publish(context.Background()))
	assert.Nil(t, FailedSinks(nil))
}

func TestEvent_KeyAndWireShape(t *testing.T) {
	assert.Equal(t, "p1", tradeEvent("p1").Key())
	assert.Equal(t, "p2", scoreEvent("p2").Key())
	assert.Equal(t, "abc", Event{Type: TypeParlayCreated, Parlay: &model.Parlay{ID: "abc"}}.Key())
	assert.Empty(t, Event{Type: TypeTransfer, Transfer: &Transfer{Kind: KindMint}}.Key())

	data, err := json.Marshal(tradeEvent("p1"))
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "trade", wire["type"])
	trade := wire["trade"].(map[string]any)
	assert.Equal(t, "17.5", trade["tokens"])
	assert.Equal(t, "150", trade["score"])
	assert.NotContains(t, wire, "parlay")
}

// --- WebSocket hub ---

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWSHub_BroadcastAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dialHub(t, srv, "")
	onlyP2 := dialHub(t, srv, "?subscribe=p2")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, tradeEvent("p1"), scoreEvent("p2")))

	first := readEvent(t, all)
	second := readEvent(t, all)
	assert.Equal(t, TypeTrade, first.Type)
	assert.Equal(t, TypeScoreUpdated, second.Type)

	got := readEvent(t, onlyP2)
	assert.Equal(t, TypeScoreUpdated, got.Type)
	assert.Equal(t, "p2", got.Score.EntityID)

	all.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := NewWSHub(nil) // not running: nothing drains the buffer
	evs := make([]Event, 300)
	for i := range evs {
		evs[i] = tradeEvent("p1")
	}
	err := hub.Publish(context.Background(), evs...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropped 44 of 300")
}

// --- ClickHouse sink ---

type fakeBatch struct {
	driver.Batch
	rows [][]any
	sent bool
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error { return nil }

type fakeConn struct {
	batches map[string]*fakeBatch
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	table := strings.Fields(query)[2]
	b := &fakeBatch{}
	c.batches[table] = b
	return b, nil
}

func TestClickHouseSink_WritesTradesAndScores(t *testing.T) {
	conn := &fakeConn{batches: make(map[string]*fakeBatch)}
	sink := &ClickHouseSink{conn: conn}

	transfer := Event{Type: TypeTransfer, Transfer: &Transfer{Kind: KindMint, To: "alice", Amount: fixed.NewAmount(1)}}
	require.NoError(t, sink.Publish(context.Background(), tradeEvent("p1"), transfer, scoreEvent("p1"), tradeEvent("p2")))

	require.Contains(t, conn.batches, "trades")
	require.Contains(t, conn.batches, "score_updates")
	trades := conn.batches["trades"]
	assert.True(t, trades.sent)
	require.Len(t, trades.rows, 2)
	assert.Equal(t, "t-p1", trades.rows[0][0])
	assert.Equal(t, "buy", trades.rows[0][4])
	assert.Equal(t, "17.5", trades.rows[0][6].(interface{ String() string }).String())

	scores := conn.batches["score_updates"]
	require.Len(t, scores.rows, 1)
	assert.Equal(t, "oracle", scores.rows[0][4])
}

func TestClickHouseSink_SkipsEmptyBatches(t *testing.T) {
	conn := &fakeConn{batches: make(map[string]*fakeBatch)}
	sink := &ClickHouseSink{conn: conn}
	require.NoError(t, sink.Publish(context.Background(), Event{Type: TypeParlayCreated, Parlay: &model.Parlay{ID: "x"}}))
	assert.Empty(t, conn.batches)
}
