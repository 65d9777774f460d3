package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newDroppingStream upgrades each websocket session and closes it
// immediately, like a feed that keeps kicking the reader off.
func newDroppingStream(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReadStream_ReleasesWatcherWhenSessionEnds(t *testing.T) {
	stream := newDroppingStream(t)
	s := NewBinanceSource("http://unused", stream)
	ctx := context.Background()

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		s.readStream(ctx, "BTCUSDT", stream, func(Tick) {})
	}

	// Per-session watchers must unwind even though ctx is never cancelled.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before+2 {
		t.Errorf("goroutines leaked across sessions: before=%d after=%d", before, n)
	}
}
