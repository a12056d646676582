package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"canscope/bus"
	"canscope/metrics"
	"canscope/series"
	"canscope/session"
	"canscope/trace"
)

const powertrainDBC = "../candb/testdata/powertrain.dbc"

type fixture struct {
	srv    *httptest.Server
	mgr    *session.Manager
	events *session.EventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := session.NewEventBus()
	m := metrics.New()
	mgr := session.NewManager(session.App{
		Log:      zap.NewNop(),
		Observer: events,
		Metrics:  m,
		Store:    series.NewStore(100),
	})
	srv := httptest.NewServer(NewRouter(mgr, events, m.Handler(), zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		mgr.ShutdownAll()
	})
	return &fixture{srv: srv, mgr: mgr, events: events}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

// createSession makes a virtual session on a channel named after the test.
func (f *fixture) createSession(t *testing.T, name string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"name":      name,
		"bus":       bus.Config{Interface: "virtual", Channel: t.Name()},
		"databases": []string{powertrainDBC},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["id"].(string)
}

func TestStatusAndDrivers(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.0, body["sessions"])

	_, body = f.do(t, http.MethodGet, "/api/v1/drivers", nil)
	assert.Contains(t, body["drivers"], "virtual")
}

func TestSessionCRUD(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")
	assert.Len(t, id, 8)

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"name": "bench"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "already in use")

	_, body = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, 1.0, body["count"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bench", body["name"])
	assert.Equal(t, []interface{}{"powertrain.dbc"}, body["databases"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "not found")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDatabaseRoutes(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")

	resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/databases/powertrain.dbc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := body["frames"].([]interface{})
	require.Len(t, frames, 4)
	engine := frames[0].(map[string]interface{})
	assert.Equal(t, "Engine", engine["name"])
	assert.Equal(t, true, engine["owned"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/databases/powertrain.dbc/decode?frame_id=0x100&data=A00F020000000000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Engine", body["message"])
	sigs := body["signals"].([]interface{})
	gear := sigs[1].(map[string]interface{})
	assert.Equal(t, "Gear", gear["name"])
	assert.Equal(t, "Second", gear["label"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/databases/powertrain.dbc/decode?frame_id=0x100&data=A0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/databases/powertrain.dbc/decode?frame_id=0x7FF&data=00", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/databases", map[string]interface{}{"path": "../candb/testdata/chassis.dbc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "chassis.dbc", body["key"])
	assert.Len(t, body["collisions"], 1)

	resp, _ = f.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/filters/chassis.dbc", map[string]interface{}{
		"enabled": true, "mode": "include", "ids": []uint32{0x400},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/filters/chassis.dbc", map[string]interface{}{"mode": "both"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/filters/nope.dbc", map[string]interface{}{"mode": "include"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/databases/chassis.dbc", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/databases/chassis.dbc", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransmitRequiresConnection(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")
	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/tx/raw", map[string]interface{}{"id": 0x123, "data": "01 02"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "not connected")
}

func TestTransmitAndTrace(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")
	peer := bus.OpenVirtual(t.Name())
	defer peer.Shutdown()

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["connected"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/tx/raw", map[string]interface{}{"id": 0x123, "data": "01 02"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	fr, ok, err := peer.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, fr.Data)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/tx/raw", map[string]interface{}{"id": 0x123, "data": "xyz"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/tx/encoded", map[string]interface{}{
		"database": "powertrain.dbc", "message": "Engine", "values": map[string]float64{"RPM": 1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/tx/periodic", map[string]interface{}{
		"job_id": "engine", "period_ms": 50, "database": "powertrain.dbc", "message": "Engine",
		"values": map[string]float64{"RPM": 1000, "Gear": 2, "Torque": 0},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/tx/periodic", nil)
		return body["count"] == 1.0
	}, time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/tx/periodic/engine", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, peer.Send(bus.Frame{ID: 0x100, Data: []byte{0xA0, 0x0F, 0x02, 0, 0, 0, 0, 0}}))
	var recs []interface{}
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/trace?since=0", nil)
		recs, _ = body["records"].([]interface{})
		for _, r := range recs {
			if r.(map[string]interface{})["direction"] == "Rx" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/trace?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	key := series.Key{Session: id, DBKey: "powertrain.dbc", FrameID: 0x100, Signal: "RPM"}.String()
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/v1/series?session="+id, nil)
		keys, _ := body["keys"].([]interface{})
		for _, k := range keys {
			if k == key {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	_, body = f.do(t, http.MethodGet, "/api/v1/series/value?key="+key+"&t=1e9", nil)
	assert.Equal(t, 1000.0, body["value"])
	resp, _ = f.do(t, http.MethodGet, "/api/v1/series/value?key="+key+"&t=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/series/data?key=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, body = f.do(t, http.MethodGet, "/api/v1/series/difference?a="+key+"&b="+key, nil)
	assert.Empty(t, body["values"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/disconnect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFrameLogRoutes(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/log/start", map[string]string{"path": t.TempDir() + "/x.mf4"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/log/start", map[string]string{"path": t.TempDir() + "/run.csv"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["running"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/log/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])

	_, body = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/log/tail?n=5", nil)
	assert.Equal(t, 0.0, body["count"])
	resp, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/log/tail?n=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "bench")
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "canscope_sessions 1")
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.srv, "/api/v1/events"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.events.Len() == 1 }, time.Second, 5*time.Millisecond)
	f.events.OnStatus("[bench] Connected")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt session.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, session.EventStatus, evt.Type)
	assert.Equal(t, "[bench] Connected", evt.Message)
}

func TestTraceStream(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")
	peer := bus.OpenVirtual(t.Name())
	defer peer.Shutdown()
	require.NoError(t, f.mgr.Connect(id))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.srv, "/api/v1/sessions/"+id+"/trace/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, peer.Send(bus.Frame{ID: 0x7FF, Data: []byte{1}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var recs []trace.Record
	require.NoError(t, conn.ReadJSON(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(0x7FF), recs[0].ID)
	assert.Equal(t, bus.Rx, recs[0].Direction)
}

func TestMutationsRequireJSON(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/sessions",
		strings.NewReader(`{"name":"bench","bus":{"interface":"virtual","channel":"x"}}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Empty(t, f.mgr.Sessions())
}

func TestCrossOriginMutationsAreRejected(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "bench")

	for _, path := range []string{"/api/v1/sessions/" + id + "/connect", "/api/v1/sessions/" + id + "/log/start"} {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(`{"path":"/tmp/x.csv"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
	sess, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.False(t, sess.Connected())
	assert.False(t, sess.LogStatus().Running)

	// same-origin browser requests and reads stay allowed
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/sessions/"+id+"/disconnect", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", f.srv.URL)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Less(t, resp.StatusCode, 300)

	req, err = http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.srv, "/api/v1/events"), hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
