// Package controlapi is the thin, loopback-only HTTP binding of the
// service command surface onto the task manager's event queue: a chi
// router with bearer-token auth, one route per command.
package controlapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskflowd/internal/auditlog"
	"taskflowd/internal/catalog"
	"taskflowd/internal/manager"
	"taskflowd/internal/reason"
)

// Server exposes task lifecycle operations over HTTP on loopback
// only; callers authenticate with a static bearer token.
type Server struct {
	mgr    *manager.Manager
	audit  *auditlog.Logger
	token  string
	router chi.Router
}

// New builds the chi router. token is the single shared-secret bearer
// token expected on every request.
func New(mgr *manager.Manager, audit *auditlog.Logger, token string) *Server {
	s := &Server{mgr: mgr, audit: audit, token: token}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.authenticate)

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.dumpAll)
		r.Get("/{id}", s.showTask)
		r.Get("/{id}/touch", s.touchTask)
		r.Post("/{id}/start", s.command(manager.CmdStart))
		r.Post("/{id}/pause", s.command(manager.CmdPause))
		r.Post("/{id}/resume", s.command(manager.CmdResume))
		r.Post("/{id}/stop", s.command(manager.CmdStop))
		r.Post("/{id}/speed", s.setMaxSpeed)
		r.Post("/{id}/mode", s.setMode)
		r.Post("/{id}/subscribe", s.subscribe)
		r.Post("/{id}/unsubscribe", s.unsubscribe)
		r.Delete("/{id}", s.command(manager.CmdRemove))
	})
	r.Post("/v1/groups", s.attachGroup)

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeErr(w, http.StatusUnauthorized, reason.ErrPermission)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var rec catalog.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{Kind: manager.KindService, ServiceCmd: manager.CmdCreate, NewTask: rec, Reply: reply})
	res := <-reply

	s.audit.Record(rec.TokenID, "create", rec.TaskID, string(res.Err))
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusConflict, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": rec.TaskID})
}

func (s *Server) showTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{Kind: manager.KindQuery, TaskID: id, Reply: reply})
	res := <-reply
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusNotFound, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Info)
}

func (s *Server) command(cmd manager.ServiceCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskIDParam(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, reason.ErrOther)
			return
		}

		reply := make(chan manager.EventResult, 1)
		s.mgr.Submit(manager.Event{Kind: manager.KindService, ServiceCmd: cmd, TaskID: id, Reply: reply})
		res := <-reply

		s.audit.Record("", commandName(cmd), id, string(res.Err))
		if res.Err != reason.ErrOk {
			writeErr(w, http.StatusConflict, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": id})
	}
}

func (s *Server) dumpAll(w http.ResponseWriter, r *http.Request) {
	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{Kind: manager.KindService, ServiceCmd: manager.CmdDumpAll, Reply: reply})
	res := <-reply
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusInternalServerError, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Infos)
}

func (s *Server) touchTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{
		Kind: manager.KindQuery, Query: manager.QueryTouch, TaskID: id,
		CallerToken: r.URL.Query().Get("task_token"), Reply: reply,
	})
	res := <-reply
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusForbidden, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Info)
}

func (s *Server) setMaxSpeed(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}
	var body struct {
		BytesPerSec int64 `json:"bytes_per_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{Kind: manager.KindService, ServiceCmd: manager.CmdSetMaxSpeed, TaskID: id, Speed: body.BytesPerSec, Reply: reply})
	res := <-reply

	s.audit.Record("", "set_max_speed", id, string(res.Err))
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusConflict, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}
	var body struct {
		Mode reason.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{Kind: manager.KindService, ServiceCmd: manager.CmdSetMode, TaskID: id, NewMode: body.Mode, Reply: reply})
	res := <-reply

	s.audit.Record("", "set_mode", id, string(res.Err))
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusConflict, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id})
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}
	var body struct {
		PID      int    `json:"pid"`
		Token    string `json:"task_token"`
		SockPath string `json:"socket_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{
		Kind: manager.KindService, ServiceCmd: manager.CmdSubscribe, TaskID: id,
		CallerPID: body.PID, CallerToken: body.Token, SockPath: body.SockPath, Reply: reply,
	})
	res := <-reply

	s.audit.Record(body.Token, "subscribe", id, string(res.Err))
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusForbidden, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}
	var body struct {
		PID int `json:"pid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{Kind: manager.KindService, ServiceCmd: manager.CmdUnsubscribe, TaskID: id, CallerPID: body.PID, Reply: reply})
	<-reply
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id})
}

func (s *Server) attachGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID    string   `json:"group_id"`
		Title      string   `json:"title"`
		AttachAble bool     `json:"attach_able"`
		TaskIDs    []uint32 `json:"task_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GroupID == "" {
		writeErr(w, http.StatusBadRequest, reason.ErrOther)
		return
	}

	reply := make(chan manager.EventResult, 1)
	s.mgr.Submit(manager.Event{
		Kind: manager.KindService, ServiceCmd: manager.CmdAttachGroup,
		GroupCfg: catalog.GroupNotificationConfig{GroupID: body.GroupID, Title: body.Title, AttachAble: body.AttachAble},
		TaskIDs:  body.TaskIDs, Reply: reply,
	})
	res := <-reply

	s.audit.Record("", "attach_group", 0, string(res.Err))
	if res.Err != reason.ErrOk {
		writeErr(w, http.StatusConflict, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_id": body.GroupID})
}

func commandName(cmd manager.ServiceCommand) string {
	switch cmd {
	case manager.CmdStart:
		return "start"
	case manager.CmdPause:
		return "pause"
	case manager.CmdResume:
		return "resume"
	case manager.CmdStop:
		return "stop"
	case manager.CmdRemove:
		return "remove"
	default:
		return "unknown"
	}
}

func taskIDParam(r *http.Request) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, e reason.ServiceError) {
	writeJSON(w, status, map[string]any{"error": string(e)})
}
