package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/metrics"
	"whisp/internal/realtime"
	"whisp/internal/session"
	"whisp/internal/storage"
	"whisp/internal/storage/zapadapter"
	mytesting "whisp/internal/testing"
)

type testEnv struct {
	srv   *httptest.Server
	store *mytesting.MemStore
}

func bootstrapServer(t *testing.T, opts ...Option) *testEnv {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	hub := realtime.NewHub(logger.Sugar(), nil)
	store := mytesting.NewMemStore(hub)
	engine := canvas.New(logger.Sugar(), store, hub)

	s, err := NewServer(logger.Sugar(), engine, session.NewDevices(), metrics.NewCollector("whisp"), opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store}
}

// post sends payload to route on behalf of device and returns status and body
func (e *testEnv) post(t *testing.T, route, device, payload string) (int, []byte) {
	req, err := http.NewRequest("POST", e.srv.URL+route, strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if device != "" {
		req.Header.Set(deviceHeader, device)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func (e *testEnv) createCanvas(t *testing.T) storage.Canvas {
	code, body := e.post(t, "/canvases/add", "", `{"prompt":"What makes you feel truly alive?","mode":"normal","creator":"zoe"}`)
	require.Equal(t, http.StatusCreated, code, string(body))

	var cv storage.Canvas
	require.NoError(t, json.Unmarshal(body, &cv))
	return cv
}

func (e *testEnv) join(t *testing.T, device, canvasID, username string) {
	code, body := e.post(t, "/participants/join", device, `{"canvas":"`+canvasID+`","username":"`+username+`"}`)
	require.Equal(t, http.StatusCreated, code, string(body))
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforcePostJson(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePostJson_NotPOST(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("GET", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST", rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePostJson_MalformedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePostJson_UnsupportedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforcePostJson_NoContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePostJson_NoBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBuffer(nil))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "No body provided\n", rr.Body.String())
}

func TestEnforcePostJson_MalformedJSON(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	payload := bytes.NewBuffer([]byte(`{"username":` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestEnforcePostJson_TooLarge(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"content":"` + strings.Repeat("a", maxBodySize) + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestDeviceHeader(t *testing.T) {
	t.Parallel()

	var seen string
	handler := device(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := zapadapter.DeviceFromContext(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.NotEmpty(t, rr.Header().Get(deviceHeader))
	require.Equal(t, rr.Header().Get(deviceHeader), seen)

	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set(deviceHeader, "phone-1")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, "phone-1", rr.Header().Get(deviceHeader))
	require.Equal(t, "phone-1", seen)

	req = httptest.NewRequest("GET", "/?device=browser-1", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, "browser-1", seen)
}

func TestCreateCanvas(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)

	code, body := e.post(t, "/canvases/add", "", `{"prompt":"  Roast me with your most brutal truth ","mode":"roast","creator":"zoe"}`)
	require.Equal(t, http.StatusCreated, code)

	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	require.NoError(t, err)
	_, err = uuid.Parse(string(v.GetStringBytes("id")))
	require.NoError(t, err)
	require.Equal(t, "Roast me with your most brutal truth", string(v.GetStringBytes("starter_prompt")))
	require.Equal(t, "roast", string(v.GetStringBytes("mode")))
	require.Equal(t, "zoe", string(v.GetStringBytes("created_by")))
	require.True(t, v.Exists("expires_at"))
}

func TestCreateCanvasBadRequest(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)

	testCases := []struct {
		name    string
		payload string
		message string
	}{
		{"not an object", `[1,2]`, "Body must be a JSON object"},
		{"no prompt", `{"mode":"normal","creator":"zoe"}`, `Missing Field "prompt"`},
		{"prompt not string", `{"prompt":1,"mode":"normal","creator":"zoe"}`, `Field "prompt" must be a string`},
		{"blank prompt", `{"prompt":"  ","mode":"normal","creator":"zoe"}`, canvas.ErrEmptyPrompt.Error()},
		{"blank creator", `{"prompt":"hi","mode":"normal","creator":""}`, canvas.ErrEmptyCreator.Error()},
		{"bad mode", `{"prompt":"hi","mode":"spicy","creator":"zoe"}`, canvas.ErrInvalidMode.Error()},
	}

	for _, tc := range testCases {
		code, body := e.post(t, "/canvases/add", "", tc.payload)
		require.Equal(t, http.StatusBadRequest, code, tc.name)
		require.Equal(t, tc.message+"\n", string(body), tc.name)
	}
}

func TestCanvasByID(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)

	code, body := e.post(t, "/canvases/get", "", `{"id":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	var actual storage.Canvas
	require.NoError(t, json.Unmarshal(body, &actual))
	require.Equal(t, cv.ID, actual.ID)

	code, _ = e.post(t, "/canvases/get", "", `{"id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = e.post(t, "/canvases/get", "", `{"id":"not-a-uuid"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, body = e.post(t, "/canvases/get", "", `{"id":""}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "Field \"id\" must have non-zero length\n", string(body))

	e.store.Fail("CanvasByID", mytesting.ErrInjected)
	code, _ = e.post(t, "/canvases/get", "", `{"id":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRandomPrompt(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)

	code, body := e.post(t, "/prompts/random", "", `{"mode":"roast"}`)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, fastjson.GetString(body, "prompt"))

	code, _ = e.post(t, "/prompts/random", "", `{"mode":"mild"}`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestParticipants(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)

	code, body := e.post(t, "/participants/validate", "phone", `{"canvas":"`+cv.ID+`","username":"ab"}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"valid":false,"reason":"length"}`, string(body))

	code, body = e.post(t, "/participants/validate", "phone", `{"canvas":"`+cv.ID+`","username":"Sam"}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"valid":true}`, string(body))

	e.join(t, "phone", cv.ID, "Sam")

	code, body = e.post(t, "/participants/validate", "laptop", `{"canvas":"`+cv.ID+`","username":"sam"}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"valid":false,"reason":"taken"}`, string(body))

	code, _ = e.post(t, "/participants/join", "laptop", `{"canvas":"`+cv.ID+`","username":"SAM"}`)
	require.Equal(t, http.StatusConflict, code)

	code, _ = e.post(t, "/participants/join", "laptop", `{"canvas":"`+uuid.NewString()+`","username":"alex"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, body = e.post(t, "/participants/get", "", `{"canvas":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	var ps []storage.Participant
	require.NoError(t, json.Unmarshal(body, &ps))
	require.Len(t, ps, 1)
	require.Equal(t, "Sam", ps[0].Username)
}

func TestSessions(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)
	e.join(t, "phone", cv.ID, "zoe")

	code, body := e.post(t, "/sessions/get", "phone", `{"canvas":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	var s canvas.Session
	require.NoError(t, json.Unmarshal(body, &s))
	require.Equal(t, "zoe", s.Username)
	require.Equal(t, cv.ID, s.CanvasID)

	code, _ = e.post(t, "/sessions/get", "laptop", `{"canvas":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestMessagesAndVotes(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)

	code, body := e.post(t, "/messages/add", "", `{"canvas":"`+cv.ID+`","author":"zoe","content":"I talk to my plants"}`)
	require.Equal(t, http.StatusCreated, code)
	var m storage.Message
	require.NoError(t, json.Unmarshal(body, &m))
	require.Equal(t, "I talk to my plants", m.Content)

	code, body = e.post(t, "/messages/add", "", `{"canvas":"`+cv.ID+`","author":"zoe","content":"   "}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, canvas.ErrEmptyContent.Error()+"\n", string(body))

	for i := 0; i < 2; i++ {
		code, body = e.post(t, "/votes/cast", "", `{"message":"`+m.ID+`","username":"sam","vote":1}`)
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, `{"ok":true}`, string(body))
	}

	code, body = e.post(t, "/messages/get", "", `{"canvas":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	var ms []storage.Message
	require.NoError(t, json.Unmarshal(body, &ms))
	require.Len(t, ms, 1)
	require.Equal(t, int64(1), ms[0].VoteCount)

	code, _ = e.post(t, "/votes/cast", "", `{"message":"`+m.ID+`","username":"sam","vote":-1}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, e.store.VoteRows(m.ID), 1)

	code, body = e.post(t, "/votes/get", "", `{"username":"sam"}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"`+m.ID+`":-1}`, string(body))
}

func TestCastVoteBadRequest(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	id := uuid.NewString()

	code, _ := e.post(t, "/votes/cast", "", `{"message":"`+id+`","username":"sam","vote":0}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.post(t, "/votes/cast", "", `{"message":"`+id+`","username":"sam","vote":257}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := e.post(t, "/votes/cast", "", `{"message":"`+id+`","username":"sam","vote":"up"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "Field \"vote\" must be an integer\n", string(body))

	code, body = e.post(t, "/votes/cast", "", `{"message":"`+id+`","username":"sam"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "Missing Field \"vote\"\n", string(body))

	code, _ = e.post(t, "/votes/cast", "", `{"message":"`+id+`","username":"sam","vote":1}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestWhispersEndpoints(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)

	code, body := e.post(t, "/whispers/add", "", `{"canvas":"`+cv.ID+`","from":"zoe","to":"sam","content":"psst"}`)
	require.Equal(t, http.StatusCreated, code)
	var w storage.Whisper
	require.NoError(t, json.Unmarshal(body, &w))
	require.Nil(t, w.ReadAt)

	code, _ = e.post(t, "/whispers/read", "", `{"id":"`+w.ID+`"}`)
	require.Equal(t, http.StatusOK, code)

	code, body = e.post(t, "/whispers/get", "", `{"canvas":"`+cv.ID+`","username":"sam"}`)
	require.Equal(t, http.StatusOK, code)
	var ws []storage.Whisper
	require.NoError(t, json.Unmarshal(body, &ws))
	require.Len(t, ws, 1)
	require.NotNil(t, ws[0].ReadAt)

	code, _ = e.post(t, "/whispers/read", "", `{"id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestPopularUsers(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)
	e.join(t, "phone", cv.ID, "zoe")
	e.join(t, "laptop", cv.ID, "sam")

	code, _ := e.post(t, "/messages/add", "", `{"canvas":"`+cv.ID+`","author":"zoe","content":"hello"}`)
	require.Equal(t, http.StatusCreated, code)

	code, body := e.post(t, "/users/popular", "", `{"canvas":"`+cv.ID+`"}`)
	require.Equal(t, http.StatusOK, code)
	var us []storage.PopularUser
	require.NoError(t, json.Unmarshal(body, &us))
	require.Len(t, us, 2)
	require.Equal(t, "zoe", us[0].Username)
	require.Equal(t, int64(1), us[0].PopularityScore)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t, RateLimit(RateConfig{RPS: 0.001, Burst: 1}))

	code, _ := e.post(t, "/prompts/random", "", `{"mode":"normal"}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.post(t, "/prompts/random", "", `{"mode":"normal"}`)
	require.Equal(t, http.StatusTooManyRequests, code)
}

func TestLimiterPoolEvictsIdle(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := newLimiterPool(1, 1)
	pool.now = func() time.Time { return now }
	pool.lastSweep = now

	require.True(t, pool.Allow("10.0.0.1"))
	require.True(t, pool.Allow("10.0.0.2"))
	require.False(t, pool.Allow("10.0.0.1"))
	require.Equal(t, 2, pool.size())

	// 10.0.0.2 stays active, 10.0.0.1 goes idle
	now = now.Add(limiterIdle - time.Second)
	require.True(t, pool.Allow("10.0.0.2"))

	now = now.Add(sweepEvery)
	require.True(t, pool.Allow("10.0.0.3"))
	require.Equal(t, 2, pool.size())

	require.True(t, pool.Allow("10.0.0.1"))
	require.Equal(t, 3, pool.size())
}

func TestTimeoutHandlerKeepsRoutes(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t, TimeoutHandler(5*time.Second, "timeout"))

	code, _ := e.post(t, "/prompts/random", "", `{"mode":"normal"}`)
	require.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	e.createCanvas(t)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `whisp_http_requests_total{method="POST",route="/canvases/add",status="201"} 1`)
	require.Contains(t, string(body), "whisp_canvases_created_total 1")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	redisStore := session.NewRedisStoreWithClient(zap.NewNop().Sugar(), redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { _ = redisStore.Close() })

	var down atomic.Bool
	e := bootstrapServer(t,
		HealthCheck("redis", redisStore.Ping),
		HealthCheck("postgres", func(context.Context) error {
			if down.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	)

	get := func() (int, map[string]interface{}) {
		resp, err := http.Get(e.srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var out map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	code, out := get()
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", out["status"])

	down.Store(true)
	mr.SetError("ERR injected failure")
	code, out = get()
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unavailable", out["status"])
	failed := out["failed"].(map[string]interface{})
	require.Equal(t, "connection refused", failed["postgres"])
	require.Contains(t, failed, "redis")
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewServer(zap.NewNop().Sugar(), nil, session.NewDevices(), metrics.NewCollector("whisp"))
	require.Error(t, err)
}

func dialLive(t *testing.T, e *testEnv, device, query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/canvases/live?" + query
	header := http.Header{}
	header.Set(deviceHeader, device)
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) *fastjson.Value {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	v, err := fastjson.ParseBytes(data)
	require.NoError(t, err)
	return v
}

func TestLiveRequiresSession(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)

	_, resp, err := dialLive(t, e, "stranger", "canvas="+cv.ID)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = dialLive(t, e, "stranger", "canvas="+uuid.NewString())
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLive(t *testing.T) {
	t.Parallel()

	e := bootstrapServer(t)
	cv := e.createCanvas(t)
	e.join(t, "phone", cv.ID, "zoe")

	code, body := e.post(t, "/messages/add", "", `{"canvas":"`+cv.ID+`","author":"sam","content":"before"}`)
	require.Equal(t, http.StatusCreated, code)
	var before storage.Message
	require.NoError(t, json.Unmarshal(body, &before))

	conn, _, err := dialLive(t, e, "phone", "canvas="+cv.ID+"&whispers=1")
	require.NoError(t, err)
	defer conn.Close()

	snapshot := readFrame(t, conn)
	require.Equal(t, "snapshot", string(snapshot.GetStringBytes("type")))
	require.Equal(t, "zoe", string(snapshot.GetStringBytes("username")))
	require.Len(t, snapshot.GetArray("messages"), 1)

	// post through the socket, the message returns via the subscription
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"post","content":"I talk to my plants"}`)))
	f := readFrame(t, conn)
	require.Equal(t, "message", string(f.GetStringBytes("type")))
	require.Equal(t, "I talk to my plants", string(f.GetStringBytes("message", "content")))
	require.Equal(t, "zoe", string(f.GetStringBytes("message", "author_username")))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"vote","message":"`+before.ID+`","vote":1}`)))
	f = readFrame(t, conn)
	require.Equal(t, "vote", string(f.GetStringBytes("type")))
	require.Equal(t, 1, f.GetInt("message", "vote_count"))

	code, _ = e.post(t, "/whispers/add", "", `{"canvas":"`+cv.ID+`","from":"sam","to":"zoe","content":"psst"}`)
	require.Equal(t, http.StatusCreated, code)
	f = readFrame(t, conn)
	require.Equal(t, "whisper", string(f.GetStringBytes("type")))
	require.Equal(t, "psst", string(f.GetStringBytes("whisper", "content")))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"post","content":"  "}`)))
	f = readFrame(t, conn)
	require.Equal(t, "error", string(f.GetStringBytes("type")))
	require.Equal(t, canvas.ErrEmptyContent.Error(), string(f.GetStringBytes("error")))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	f = readFrame(t, conn)
	require.Equal(t, "error", string(f.GetStringBytes("type")))
}
