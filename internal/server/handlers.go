package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"whisp/internal/canvas"
	"whisp/internal/metrics"
	"whisp/internal/storage"
	"whisp/internal/storage/zapadapter"
)

// SessionProvider returns the session store of a device
type SessionProvider interface {
	ForDevice(deviceID string) canvas.SessionStore
}

type handler struct {
	logger   *zap.SugaredLogger
	engine   *canvas.Engine
	sessions SessionProvider
	metrics  *metrics.Collector
	parsers  fastjson.ParserPool
	upgrader websocket.Upgrader
}

// client returns the engine client of the calling device
func (h *handler) client(r *http.Request) *canvas.Client {
	id, _ := zapadapter.DeviceFromContext(r.Context())
	return h.engine.ForDevice(h.sessions.ForDevice(id))
}

// parse reads the body validated by enforcePostJson; v is valid until p is returned to the pool
func (h *handler) parse(w http.ResponseWriter, r *http.Request, p *fastjson.Parser) (*fastjson.Value, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Can not read request body", http.StatusBadRequest)
		return nil, false
	}

	v, err := p.ParseBytes(body)
	if err != nil {
		http.Error(w, "Malformed JSON", http.StatusBadRequest)
		return nil, false
	}

	if v.Type() != fastjson.TypeObject {
		http.Error(w, "Body must be a JSON object", http.StatusBadRequest)
		return nil, false
	}

	return v, true
}

// stringField retrieves a string field; blank values are left for the engine to reject
func stringField(w http.ResponseWriter, v *fastjson.Value, name string) (string, bool) {
	if !v.Exists(name) {
		http.Error(w, "Missing Field \""+name+"\"", http.StatusBadRequest)
		return "", false
	}

	b, err := v.Get(name).StringBytes()
	if err != nil {
		http.Error(w, "Field \""+name+"\" must be a string", http.StatusBadRequest)
		return "", false
	}

	return string(b), true
}

// idField retrieves a record id field which must be a non-empty string
func idField(w http.ResponseWriter, v *fastjson.Value, name string) (string, bool) {
	id, ok := stringField(w, v, name)
	if !ok {
		return "", false
	}

	if len(id) == 0 {
		http.Error(w, "Field \""+name+"\" must have non-zero length", http.StatusBadRequest)
		return "", false
	}

	return id, true
}

// respond writes payload marshaled as JSON with status
func (h *handler) respond(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// fail maps engine errors to HTTP statuses
func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case canvas.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, canvas.ErrCanvasNotFound):
		http.Error(w, "Canvas does not exist", http.StatusNotFound)
	case errors.Is(err, canvas.ErrMessageNotFound):
		http.Error(w, "Message does not exist", http.StatusNotFound)
	case errors.Is(err, canvas.ErrWhisperNotFound):
		http.Error(w, "Whisper does not exist", http.StatusNotFound)
	case errors.Is(err, canvas.ErrNoSession):
		http.Error(w, "No session for canvas on this device", http.StatusNotFound)
	case errors.Is(err, canvas.ErrUsernameTaken):
		http.Error(w, "Username already taken", http.StatusConflict)
	case errors.Is(err, canvas.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

var okPayload = struct {
	OK bool `json:"ok"`
}{OK: true}

// createCanvas handles HTTP requests on "/canvases/add" endpoint
func (h *handler) createCanvas(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	prompt, ok := stringField(w, v, "prompt")
	if !ok {
		return
	}
	mode, ok := stringField(w, v, "mode")
	if !ok {
		return
	}
	creator, ok := stringField(w, v, "creator")
	if !ok {
		return
	}

	cv, err := h.client(r).CreateCanvas(r.Context(), prompt, storage.Mode(mode), creator)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.metrics.CanvasesCreated.Inc()
	h.respond(w, http.StatusCreated, cv)
}

// canvasByID handles HTTP requests on "/canvases/get" endpoint
func (h *handler) canvasByID(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	id, ok := idField(w, v, "id")
	if !ok {
		return
	}

	cv, err := h.client(r).Canvas(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, cv)
}

// randomPrompt handles HTTP requests on "/prompts/random" endpoint
func (h *handler) randomPrompt(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	mode, ok := stringField(w, v, "mode")
	if !ok {
		return
	}

	if !storage.Mode(mode).Valid() {
		h.fail(w, canvas.ErrInvalidMode)
		return
	}

	h.respond(w, http.StatusOK, struct {
		Prompt string `json:"prompt"`
	}{Prompt: canvas.RandomPrompt(storage.Mode(mode))})
}

// validateUsername handles HTTP requests on "/participants/validate" endpoint
func (h *handler) validateUsername(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}
	username, ok := stringField(w, v, "username")
	if !ok {
		return
	}

	res, err := h.client(r).ValidateUsername(r.Context(), canvasID, username)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, res)
}

// join handles HTTP requests on "/participants/join" endpoint
func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}
	username, ok := stringField(w, v, "username")
	if !ok {
		return
	}

	participant, err := h.client(r).Join(r.Context(), canvasID, username)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusCreated, participant)
}

// participants handles HTTP requests on "/participants/get" endpoint
func (h *handler) participants(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}

	ps, err := h.client(r).Participants(r.Context(), canvasID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, ps)
}

// session handles HTTP requests on "/sessions/get" endpoint
func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}

	s, ok := h.client(r).Session(r.Context(), canvasID)
	if !ok {
		h.fail(w, canvas.ErrNoSession)
		return
	}

	h.respond(w, http.StatusOK, s)
}

// createMessage handles HTTP requests on "/messages/add" endpoint
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}
	author, ok := stringField(w, v, "author")
	if !ok {
		return
	}
	content, ok := stringField(w, v, "content")
	if !ok {
		return
	}

	m, err := h.client(r).PostMessage(r.Context(), canvasID, author, content)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.metrics.MessagesPosted.Inc()
	h.respond(w, http.StatusCreated, m)
}

// messagesByCanvasID handles HTTP requests on "/messages/get" endpoint
func (h *handler) messagesByCanvasID(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}

	ms, err := h.client(r).Messages(r.Context(), canvasID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, ms)
}

// castVote handles HTTP requests on "/votes/cast" endpoint
func (h *handler) castVote(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	messageID, ok := idField(w, v, "message")
	if !ok {
		return
	}
	username, ok := stringField(w, v, "username")
	if !ok {
		return
	}

	if !v.Exists("vote") {
		http.Error(w, "Missing Field \"vote\"", http.StatusBadRequest)
		return
	}
	vote, err := v.Get("vote").Int()
	if err != nil {
		http.Error(w, "Field \"vote\" must be an integer", http.StatusBadRequest)
		return
	}

	d := direction(vote)
	err = h.client(r).CastVote(r.Context(), messageID, username, d)
	h.countVote(d, err)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, okPayload)
}

// direction converts a decoded vote; out of range values become an invalid direction
func direction(vote int) storage.Direction {
	d := storage.Direction(vote)
	if int(d) != vote {
		return 0
	}
	return d
}

func (h *handler) countVote(d storage.Direction, err error) {
	direction := "invalid"
	switch d {
	case storage.Up:
		direction = "up"
	case storage.Down:
		direction = "down"
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if canvas.IsValidation(err) {
			outcome = "invalid"
		}
	}

	h.metrics.VotesCast.WithLabelValues(direction, outcome).Inc()
}

// votesByUsername handles HTTP requests on "/votes/get" endpoint
func (h *handler) votesByUsername(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	username, ok := idField(w, v, "username")
	if !ok {
		return
	}

	votes, err := h.client(r).VotesFor(r.Context(), username)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, votes)
}

// createWhisper handles HTTP requests on "/whispers/add" endpoint
func (h *handler) createWhisper(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}
	from, ok := stringField(w, v, "from")
	if !ok {
		return
	}
	to, ok := stringField(w, v, "to")
	if !ok {
		return
	}
	content, ok := stringField(w, v, "content")
	if !ok {
		return
	}

	wh, err := h.client(r).SendWhisper(r.Context(), canvasID, from, to, content)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusCreated, wh)
}

// whispersByRecipient handles HTTP requests on "/whispers/get" endpoint
func (h *handler) whispersByRecipient(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}
	username, ok := idField(w, v, "username")
	if !ok {
		return
	}

	ws, err := h.client(r).Whispers(r.Context(), canvasID, username)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, ws)
}

// readWhisper handles HTTP requests on "/whispers/read" endpoint
func (h *handler) readWhisper(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	id, ok := idField(w, v, "id")
	if !ok {
		return
	}

	if err := h.client(r).MarkWhisperRead(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, okPayload)
}

// popularUsers handles HTTP requests on "/users/popular" endpoint
func (h *handler) popularUsers(w http.ResponseWriter, r *http.Request) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)
	v, ok := h.parse(w, r, p)
	if !ok {
		return
	}

	canvasID, ok := idField(w, v, "canvas")
	if !ok {
		return
	}

	us, err := h.client(r).PopularUsers(r.Context(), canvasID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusOK, us)
}

// health reports "ok" when every check passes and 503 with the failing checks otherwise
func health(logger *zap.SugaredLogger, checks []healthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		failed := make(map[string]string)
		for _, hc := range checks {
			if err := hc.check(ctx); err != nil {
				logger.Warnf("Health check %s failed: %v", hc.name, err)
				failed[hc.name] = err.Error()
			}
		}

		status, code := "ok", http.StatusOK
		if len(failed) > 0 {
			status, code = "unavailable", http.StatusServiceUnavailable
		}

		data, err := json.Marshal(struct {
			Status string            `json:"status"`
			Failed map[string]string `json:"failed,omitempty"`
		}{Status: status, Failed: failed})
		if err != nil {
			logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(data)
	})
}
