package desk

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/call"
	"github.com/Vovarama1992/livedesk/internal/chat"
	"github.com/Vovarama1992/livedesk/internal/presence"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log.Named("http")}
}

// Identify reads the caller from X-User-ID and X-User-Permissions
// (comma separated). Requests without X-User-ID are treated as visitors.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		u := auth.User{ID: id}
		for _, p := range strings.Split(r.Header.Get("X-User-Permissions"), ",") {
			if p = strings.TrimSpace(p); p != "" {
				u.Permissions = append(u.Permissions, p)
			}
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), u)))
	})
}

func (h *Handler) staff(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	u, ok := auth.CurrentUser(r.Context())
	if !ok {
		http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
	}
	return u, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindCapacityExceeded:
		status = http.StatusConflict
	case apperr.KindIneligible:
		status = http.StatusUnprocessableEntity
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindInvalid:
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "processing error", status)
		return
	}

	writeJSON(w, status, map[string]string{"error": string(apperr.KindOf(err)), "message": err.Error()})
}

// --- presence ---

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Presence.GetPresence(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(rec))
}

func (h *Handler) ListOnline(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Presence.ListOnline(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]presenceJSON, 0, len(recs))
	for i := range recs {
		out = append(out, presenceView(&recs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status  presence.Status `json:"status"`
		Message *string         `json:"message"`
	}
	if !decode(w, r, &payload) {
		return
	}
	rec, err := h.svc.SetPresence(r.Context(), u.ID, payload.Status, payload.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(rec))
}

func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status *presence.Status `json:"status"`
	}
	if !decode(w, r, &payload) {
		return
	}
	rec, err := h.svc.SetVisibility(r.Context(), u.ID, payload.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(rec))
}

func (h *Handler) ApplyOverride(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status presence.Status `json:"status"`
		Reason string          `json:"reason"`
	}
	if !decode(w, r, &payload) {
		return
	}
	rec, err := h.svc.ApplyAdminOverride(r.Context(), u, chi.URLParam(r, "userID"), payload.Status, payload.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(rec))
}

func (h *Handler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.ClearOverride(r.Context(), u, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(rec))
}

func (h *Handler) ForceCleanup(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	res, err := h.svc.ForceCleanup(r.Context(), u)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type presenceJSON struct {
	UserID     string          `json:"user_id"`
	Status     presence.Status `json:"status"`
	Message    string          `json:"message,omitempty"`
	LastActive *time.Time      `json:"last_active,omitempty"`
	Overridden bool            `json:"overridden"`
	Known      bool            `json:"known"`
}

func presenceView(r *presence.Record) presenceJSON {
	v := presenceJSON{
		UserID:     r.UserID,
		Status:     r.Effective(),
		Message:    r.Message,
		Overridden: r.AdminOverride != nil,
		Known:      r.Exists,
	}
	if r.Exists {
		la := r.LastActive
		v.LastActive = &la
	}
	return v
}

// --- work modes ---

func (h *Handler) GetWorkMode(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.WorkModes.GetWorkMode(r.Context(), chi.URLParam(r, "staffID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) SetWorkMode(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		Mode workmode.Mode `json:"mode"`
		workmode.Options
	}
	if !decode(w, r, &payload) {
		return
	}
	rec, err := h.svc.SetWorkMode(r.Context(), u, chi.URLParam(r, "staffID"), payload.Mode, payload.Options)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- queue and sessions ---

func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	q, err := h.svc.Queue(r.Context(), u)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Visitor  chat.Visitor `json:"visitor"`
		Priority bool         `json:"priority"`
		Message  string       `json:"message"`
	}
	if !decode(w, r, &payload) {
		return
	}
	s, err := h.svc.Chat.Start(r.Context(), payload.Visitor, payload.Priority, payload.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Chat.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Chat.Touch(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PostMessage records a visitor line, or a staff line when the caller is
// identified.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &payload) {
		return
	}
	sender, author := chat.SenderVisitor, ""
	if u, ok := auth.CurrentUser(r.Context()); ok {
		sender, author = chat.SenderStaff, u.ID
	}
	m, err := h.svc.Chat.PostMessage(r.Context(), chi.URLParam(r, "sessionID"), sender, author, payload.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.Chat.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) AssignSession(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		StaffID string `json:"staff_id"`
	}
	if !decode(w, r, &payload) {
		return
	}
	if payload.StaffID == "" {
		payload.StaffID = u.ID
	}
	s, err := h.svc.Chat.Assign(r.Context(), u, chi.URLParam(r, "sessionID"), payload.StaffID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &payload) {
		return
	}
	s, err := h.svc.Chat.End(r.Context(), u, chi.URLParam(r, "sessionID"), payload.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Chat.Leave(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) ReturnSession(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Chat.ReturnToQueue(r.Context(), u, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Chat.RemoveFromQueue(r.Context(), u, chi.URLParam(r, "sessionID"), r.URL.Query().Get("reason"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// RecoverSession answers 404 with found=false when nothing matches; the
// widget then starts a new session.
func (h *Handler) RecoverSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		chat.Identity
		WindowHours float64 `json:"window_hours"`
	}
	if !decode(w, r, &payload) {
		return
	}
	window := time.Duration(payload.WindowHours * float64(time.Hour))
	rec, err := h.svc.Chat.RecoverSession(r.Context(), payload.Identity, window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]bool{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- calls ---

func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	u, ok := h.staff(w, r)
	if !ok {
		return
	}
	var payload struct {
		Participants  []string  `json:"participants"`
		Type          call.Type `json:"call_type"`
		ChatSessionID string    `json:"chat_session_id"`
	}
	if !decode(w, r, &payload) {
		return
	}
	s, err := h.svc.Calls.Initiate(r.Context(), u.ID, payload.Participants, payload.Type, payload.ChatSessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Calls.GetStatus(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// callAction adapts the participant-level call operations, which all take
// the call id and the caller's id.
func (h *Handler) callAction(fn func(h *Handler, r *http.Request, u auth.User, callID string) (*call.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := h.staff(w, r)
		if !ok {
			return
		}
		s, err := fn(h, r, u, chi.URLParam(r, "callID"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

type reasonBody struct {
	Reason  string       `json:"reason"`
	Quality call.Quality `json:"quality"`
}

func body(r *http.Request) reasonBody {
	var b reasonBody
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&b)
	}
	return b
}

func answerCall(h *Handler, r *http.Request, u auth.User, id string) (*call.Session, error) {
	return h.svc.Calls.Answer(r.Context(), id, u.ID)
}

func joinCall(h *Handler, r *http.Request, u auth.User, id string) (*call.Session, error) {
	return h.svc.Calls.Join(r.Context(), id, u.ID)
}

func declineCall(h *Handler, r *http.Request, u auth.User, id string) (*call.Session, error) {
	return h.svc.Calls.Decline(r.Context(), id, u.ID, body(r).Reason)
}

func leaveCall(h *Handler, r *http.Request, u auth.User, id string) (*call.Session, error) {
	return h.svc.Calls.Leave(r.Context(), id, u.ID)
}

func endCall(h *Handler, r *http.Request, u auth.User, id string) (*call.Session, error) {
	return h.svc.Calls.End(r.Context(), u, id, body(r).Reason)
}

func callQuality(h *Handler, r *http.Request, u auth.User, id string) (*call.Session, error) {
	return h.svc.Calls.UpdateQuality(r.Context(), id, u.ID, body(r).Quality)
}
