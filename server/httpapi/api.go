// Package httpapi exposes the backend over HTTP: adding messages, looking up
// what a device would receive next and managing registered devices.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
	"github.com/kabili207/rpi-messages-go/server/presence"
	"github.com/kabili207/rpi-messages-go/server/repository"
)

// DefaultLifetime applies when a request does not name one.
const DefaultLifetime = 10 * time.Minute

// maxImageUpload bounds image request bodies.
const maxImageUpload = 8 << 20

// Config configures the API.
type Config struct {
	// Lifetime used when a request omits lifetime_seconds.
	Lifetime time.Duration
	// Presence, if set, adds last poll times to the device list.
	Presence *presence.Tracker
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// API serves the HTTP endpoints.
type API struct {
	repo repository.Repository
	cfg  Config
	log  *slog.Logger
}

// New creates the API over repo.
func New(repo repository.Repository, cfg Config) *API {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{repo: repo, cfg: cfg, log: logger.WithGroup("http")}
}

// Router returns the HTTP handler with all routes and middleware.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/text", a.postText)
		r.Post("/image", a.postImage)
		r.Get("/{id}", a.getMessage)
	})
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", a.listDevices)
		r.Post("/", a.addDevice)
		r.Get("/{device}/next", a.nextMessage)
	})
	return r
}

// requestID tags each request with an id, reusing X-Request-Id when the
// client sent one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			"id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type textRequest struct {
	ReceiverID      string `json:"receiver_id"`
	LifetimeSeconds uint32 `json:"lifetime_seconds"`
	Text            string `json:"text"`
}

type idsResponse struct {
	IDs []protocol.MessageID `json:"ids"`
}

type errorResponse struct {
	Error string `json:"error"`
	// StoredIDs lists messages kept before a split text failed partway.
	StoredIDs []protocol.MessageID `json:"stored_ids,omitempty"`
}

func (a *API) postText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	meta, err := a.meta(req.ReceiverID, req.LifetimeSeconds)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	contents, err := message.SplitText(req.Text)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(contents) == 0 {
		a.writeError(w, http.StatusBadRequest, errors.New("text is empty"))
		return
	}
	a.store(w, r, meta, contents)
}

func (a *API) postImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var lifetime uint64
	if s := q.Get("lifetime_seconds"); s != "" {
		var err error
		if lifetime, err = strconv.ParseUint(s, 10, 32); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	meta, err := a.meta(q.Get("receiver_id"), uint32(lifetime))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := message.DecodeImage(http.MaxBytesReader(w, r.Body, maxImageUpload))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	a.store(w, r, meta, []message.Content{c})
}

func (a *API) meta(receiver string, lifetimeSeconds uint32) (message.Meta, error) {
	id, err := protocol.ParseDeviceID(receiver)
	if err != nil {
		return message.Meta{}, err
	}
	lifetime := a.cfg.Lifetime
	if lifetimeSeconds > 0 {
		lifetime = time.Duration(lifetimeSeconds) * time.Second
	}
	return message.Meta{ReceiverID: id, Lifetime: lifetime}, nil
}

func (a *API) store(w http.ResponseWriter, r *http.Request, meta message.Meta, contents []message.Content) {
	resp := idsResponse{IDs: make([]protocol.MessageID, 0, len(contents))}
	for _, c := range contents {
		id, err := a.repo.AddMessage(r.Context(), message.Insert{Meta: meta, Sender: message.SenderWeb, Content: c})
		if err != nil {
			status := storeStatus(err)
			if status >= http.StatusInternalServerError {
				a.log.Error("request failed", "device", meta.ReceiverID, "stored", resp.IDs, "error", err)
			}
			a.writeJSON(w, status, errorResponse{Error: err.Error(), StoredIDs: resp.IDs})
			return
		}
		resp.IDs = append(resp.IDs, id)
	}
	a.log.Info("messages added", "device", meta.ReceiverID, "ids", resp.IDs)
	a.writeJSON(w, http.StatusCreated, resp)
}

// storeStatus maps an AddMessage error to a status code. Only rejected
// input is the client's fault.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, message.ErrInvalidLifetime),
		errors.Is(err, message.ErrTextTooLong),
		errors.Is(err, message.ErrInvalidText),
		errors.Is(err, message.ErrImageSize):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type messageResponse struct {
	ID              protocol.MessageID `json:"id"`
	ReceiverID      string             `json:"receiver_id"`
	LifetimeSeconds uint32             `json:"lifetime_seconds"`
	Sender          message.Sender     `json:"sender"`
	CreatedAt       time.Time          `json:"created_at"`
	Kind            string             `json:"kind"`
	Text            string             `json:"text,omitempty"`
	Image           []byte             `json:"image,omitempty"`
}

func newMessageResponse(m *message.Message) messageResponse {
	u := m.Update()
	return messageResponse{
		ID:              m.ID,
		ReceiverID:      m.Meta.ReceiverID.String(),
		LifetimeSeconds: u.LifetimeSeconds,
		Sender:          m.Sender,
		CreatedAt:       m.CreatedAt,
		Kind:            m.Content.Kind.String(),
		Text:            m.Content.Text,
		Image:           m.Content.Image,
	}
}

func (a *API) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := a.repo.Message(r.Context(), protocol.MessageID(id))
	if errors.Is(err, repository.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newMessageResponse(msg))
}

// nextMessage answers with what the device would receive on its next poll.
func (a *API) nextMessage(w http.ResponseWriter, r *http.Request) {
	device, err := protocol.ParseDeviceID(chi.URLParam(r, "device"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	var after protocol.NullMessageID
	if s := r.URL.Query().Get("after"); s != "" {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		after = protocol.SomeMessageID(protocol.MessageID(id))
	}
	msg, err := a.repo.NextMessage(r.Context(), device, after)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.writeJSON(w, http.StatusOK, newMessageResponse(msg))
}

type deviceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type deviceResponse struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	AddedAt  time.Time  `json:"added_at"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Silent   bool       `json:"silent,omitempty"`
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.repo.Devices(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp := deviceResponse{ID: d.ID.String(), Name: d.Name, AddedAt: d.AddedAt}
		if a.cfg.Presence != nil {
			if seen, ok := a.cfg.Presence.Get(d.ID); ok {
				resp.LastSeen = &seen.LastSeen
				resp.Silent = seen.Silent
			}
		}
		out = append(out, resp)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) addDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := protocol.ParseDeviceID(req.ID)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if err := a.repo.AddDevice(r.Context(), message.Device{ID: id, Name: req.Name}); err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", "error", err)
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}
