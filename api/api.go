// Package api is the HTTP command surface. Every response is a JSON
// envelope: {"success": true, "data": ...} or {"success": false, "error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-conductor/conductor"
	"go-conductor/control"
	"go-conductor/midi"
	"go-conductor/router"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

// Conductor is the controller surface the API drives.
// *conductor.Controller implements it.
type Conductor interface {
	Status() conductor.Status
	Start()
	Stop()
	Toggle()
	Rewind()
	SetBPM(bpm float64) error
	NudgeBPM(delta float64) error
	LoadScene(name string) error
	SaveScene(name string, bpm float64, notes string) error
	ReplaceScene(name string, bpm float64, notes string) error
	PutScene(s conductor.Scene, replace bool) error
	DeleteScene(name string) error
	Scenes() ([]conductor.Scene, error)
	CurrentScene() string
	Subscribe() (<-chan conductor.Event, func())
}

// Routes is the router surface the API drives. *router.Router implements it.
type Routes interface {
	Config() router.Config
	Apply(cfg router.Config) error
	Stats() router.Stats
}

// Buttons presses named buttons. *control.Dispatcher implements it.
type Buttons interface {
	Press(button string) error
}

// Devices is the MIDI device view.
type Devices struct {
	Outputs     []midi.Health `json:"outputs"`
	Inputs      []string      `json:"inputs"`
	Controllers []string      `json:"controllers"`
	Ports       *PortList     `json:"ports,omitempty"`
}

// PortList is what the system currently offers.
type PortList struct {
	In     []string `json:"in"`
	Out    []string `json:"out"`
	Serial []string `json:"serial"`
}

// Handler serves the API.
type Handler struct {
	c       Conductor
	routes  Routes
	buttons Buttons
	devices func() Devices
	gather  prometheus.Gatherer
	log     *zap.Logger
	mux     chi.Router
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.log = l } }

// WithRoutes enables GET and PUT /api/router.
func WithRoutes(r Routes) Option { return func(h *Handler) { h.routes = r } }

// WithButtons enables POST /api/buttons/{name}.
func WithButtons(b Buttons) Option { return func(h *Handler) { h.buttons = b } }

// WithDevices sets the source for GET /api/midi/devices.
func WithDevices(f func() Devices) Option { return func(h *Handler) { h.devices = f } }

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(h *Handler) { h.gather = g } }

func New(c Conductor, opts ...Option) *Handler {
	h := &Handler{c: c, log: zap.NewNop(), gather: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(zap.String("component", "api"))
	h.mux = h.build()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) build() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Handle("/metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/events", h.events)
		r.Post("/transport/{action}", h.transport)
		r.Post("/bpm", h.bpm)

		r.Get("/scenes", h.listScenes)
		r.Post("/scenes", h.saveScene)
		r.Post("/scenes/{name}/load", h.loadScene)
		r.Delete("/scenes/{name}", h.deleteScene)

		r.Get("/midi/devices", h.midiDevices)
		r.Get("/router", h.routerConfig)
		r.Put("/router", h.applyRoute)
		r.Post("/buttons/{name}", h.press)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.c.Status())
}

func (h *Handler) transport(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case "start":
		h.c.Start()
	case "stop":
		h.c.Stop()
	case "toggle":
		h.c.Toggle()
	case "rewind":
		h.c.Rewind()
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid transport action %q", action))
		return
	}
	writeData(w, http.StatusOK, h.c.Status())
}

type bpmRequest struct {
	BPM   *float64 `json:"bpm"`
	Delta *float64 `json:"delta"`
}

func (h *Handler) bpm(w http.ResponseWriter, r *http.Request) {
	var req bpmRequest
	if !readJSON(w, r, &req) {
		return
	}
	var err error
	switch {
	case req.BPM != nil && req.Delta != nil:
		writeError(w, http.StatusBadRequest, "give bpm or delta, not both")
		return
	case req.BPM != nil:
		err = h.c.SetBPM(*req.BPM)
	case req.Delta != nil:
		err = h.c.NudgeBPM(*req.Delta)
	default:
		writeError(w, http.StatusBadRequest, "bpm or delta required")
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.c.Status())
}

type scenesResponse struct {
	Scenes  []conductor.Scene `json:"scenes"`
	Current string            `json:"current_scene"`
}

func (h *Handler) listScenes(w http.ResponseWriter, r *http.Request) {
	scenes, err := h.c.Scenes()
	if err != nil {
		h.fail(w, err)
		return
	}
	if scenes == nil {
		scenes = []conductor.Scene{}
	}
	writeData(w, http.StatusOK, scenesResponse{Scenes: scenes, Current: h.c.CurrentScene()})
}

type sceneRequest struct {
	Name     string              `json:"name"`
	BPM      *float64            `json:"bpm"`
	Notes    string              `json:"notes"`
	Route    *router.Config      `json:"route"`
	Programs []conductor.Program `json:"programs"`
	Replace  bool                `json:"replace"`
}

// saveScene stores a scene. Without a route the current one is captured;
// without a bpm the current target tempo is used.
func (h *Handler) saveScene(w http.ResponseWriter, r *http.Request) {
	var req sceneRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	bpm := h.c.Status().Target
	if req.BPM != nil {
		bpm = *req.BPM
	}
	notes := strings.TrimSpace(req.Notes)

	var err error
	switch {
	case req.Route != nil || len(req.Programs) > 0:
		s := conductor.Scene{Name: req.Name, BPM: bpm, Notes: notes, Programs: req.Programs}
		if req.Route != nil {
			s.Route = *req.Route
		} else if h.routes != nil {
			s.Route = h.routes.Config()
		}
		err = h.c.PutScene(s, req.Replace)
	case req.Replace:
		err = h.c.ReplaceScene(req.Name, bpm, notes)
	default:
		err = h.c.SaveScene(req.Name, bpm, notes)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"message": fmt.Sprintf("scene %q saved", req.Name)})
}

func (h *Handler) loadScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.c.LoadScene(name); err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.c.Status())
}

func (h *Handler) deleteScene(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.c.DeleteScene(name); err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("scene %q deleted", name)})
}

func (h *Handler) midiDevices(w http.ResponseWriter, r *http.Request) {
	d := Devices{Outputs: h.c.Status().Outputs, Inputs: []string{}, Controllers: []string{}}
	if h.devices != nil {
		d = h.devices()
	}
	writeData(w, http.StatusOK, d)
}

type routerResponse struct {
	Config router.Config `json:"config"`
	Stats  router.Stats  `json:"stats"`
}

func (h *Handler) routerConfig(w http.ResponseWriter, r *http.Request) {
	if h.routes == nil {
		writeError(w, http.StatusNotFound, "router not available")
		return
	}
	writeData(w, http.StatusOK, routerResponse{Config: h.routes.Config(), Stats: h.routes.Stats()})
}

func (h *Handler) applyRoute(w http.ResponseWriter, r *http.Request) {
	if h.routes == nil {
		writeError(w, http.StatusNotFound, "router not available")
		return
	}
	var cfg router.Config
	if !readJSON(w, r, &cfg) {
		return
	}
	if err := h.routes.Apply(cfg); err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.routes.Config())
}

func (h *Handler) press(w http.ResponseWriter, r *http.Request) {
	if h.buttons == nil {
		writeError(w, http.StatusNotFound, "buttons not available")
		return
	}
	if err := h.buttons.Press(chi.URLParam(r, "name")); err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.c.Status())
}

// events streams controller events as server-sent events until the
// client goes away.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := h.c.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev conductor.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b)
	return err
}

// fail maps sentinel errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conductor.ErrSceneNotFound), errors.Is(err, control.ErrUnknownButton):
		return http.StatusNotFound
	case errors.Is(err, conductor.ErrDuplicateScene):
		return http.StatusConflict
	case errors.Is(err, conductor.ErrInvalidTempo),
		errors.Is(err, conductor.ErrInvalidScene),
		errors.Is(err, router.ErrInvalidRoute):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, midi.ErrScanTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// readJSON decodes a JSON body limited to 1MB. It returns false after
// writing the error response.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, envelope{Success: true, Data: v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}
