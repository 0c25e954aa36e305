package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/stockimport/internal/config"
	"github.com/JonMunkholm/stockimport/internal/core"
)

// wsFrame is the union of every server frame.
type wsFrame struct {
	Type     string                 `json:"type"`
	JobID    string                 `json:"jobId"`
	Version  uint64                 `json:"version"`
	Snapshot *core.ProgressSnapshot `json:"snapshot"`
	Reason   string                 `json:"reason"`
	Message  string                 `json:"message"`
	Code     string                 `json:"code"`
}

func dialWS(t *testing.T, ts *httptest.Server, tenant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/imports/ws"
	header := http.Header{}
	if tenant != "" {
		header.Set("X-Tenant-ID", tenant)
	}
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	res.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frames []wsFrame
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON() error = %v after %+v", err, frames)
		}
		frames = append(frames, f)
		if f.Type == want {
			return frames
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType, jobID string) {
	t.Helper()
	data, _ := json.Marshal(wsClientMessage{Type: msgType, JobID: jobID})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func TestWebSocket_SubscribeFinishedJob(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := upload(t, srv, productsCSV)
	conn := dialWS(t, ts, "")

	send(t, conn, wsSubscribe, resp.JobID)
	frames := readUntil(t, conn, string(core.EventCompleted))

	if frames[0].Type != wsSubscribed || frames[0].JobID != resp.JobID {
		t.Errorf("first frame = %+v, want subscribed", frames[0])
	}
	last := frames[len(frames)-1]
	if last.Snapshot == nil || last.Snapshot.Success != 3 {
		t.Errorf("terminal frame = %+v, want the final snapshot", last)
	}
}

func TestWebSocket_Errors(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := upload(t, srv, productsCSV)

	tests := []struct {
		name     string
		tenant   string
		msgType  string
		jobID    string
		wantCode string
	}{
		{"unknown job", "", wsSubscribe, "missing", "JOB001"},
		{"other tenant", "globex", wsSubscribe, resp.JobID, "JOB001"},
		{"missing job id", "", wsSubscribe, "", ""},
		{"unknown message", "", "ping", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialWS(t, ts, tt.tenant)
			send(t, conn, tt.msgType, tt.jobID)
			frames := readUntil(t, conn, wsError)
			got := frames[len(frames)-1]
			if got.Code != tt.wantCode {
				t.Errorf("error frame = %+v, want code %q", got, tt.wantCode)
			}
			if tt.wantCode != "" && !strings.Contains(got.Message, "(Code: "+tt.wantCode+")") {
				t.Errorf("error message = %q, want the user-facing text with its code", got.Message)
			}
		})
	}
}

func TestWebSocket_TenantWideSubscription(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Upload.InlineWait = 0 })
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	send(t, conn, wsSubscribe, core.AllJobs)
	readUntil(t, conn, wsSubscribed)

	resp := upload(t, srv, productsCSV)
	frames := readUntil(t, conn, string(core.EventCompleted))

	if frames[0].Type != string(core.EventCreated) {
		t.Errorf("first event = %q, want job:created", frames[0].Type)
	}
	var prev uint64
	for _, f := range frames {
		if f.JobID != resp.JobID {
			t.Errorf("frame for job %q, want %q", f.JobID, resp.JobID)
		}
		if f.Version <= prev {
			t.Errorf("version %d after %d", f.Version, prev)
		}
		prev = f.Version
	}

	// The wildcard subscription outlives the job.
	second := upload(t, srv, "sku,name,unit_price\nC-1,Another,1.00\n")
	frames = readUntil(t, conn, string(core.EventCompleted))
	if got := frames[len(frames)-1].JobID; got != second.JobID {
		t.Errorf("second job events for %q, want %q", got, second.JobID)
	}
}
