// Package panel serves the operator panel protocol: machine status over
// HTTP and websocket, and the operator command channel that drives the
// motion coordinator and the safety supervisor.
//
// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package panel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"goels/pkg/axis"
	"goels/pkg/errors"
	"goels/pkg/log"
	"goels/pkg/motion"
	"goels/pkg/safety"
)

// Config holds the panel server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8177".
	Addr string

	// StatusInterval is the websocket push period. Zero selects 250ms.
	StatusInterval time.Duration

	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

// Server exposes the machine to operator frontends. All mutating
// commands funnel through dispatch, which also notifies the change
// hook so settings persistence can follow panel activity.
type Server struct {
	cfg    Config
	coord  *motion.Coordinator
	super  *safety.Supervisor
	logger *log.Logger

	onChange func()

	httpServer *http.Server
	listener   net.Listener

	upgrader websocket.Upgrader
	clients  map[int64]*wsClient
	clientMu sync.RWMutex
	nextID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a panel server. The server does not listen until Start.
func New(cfg Config, coord *motion.Coordinator, super *safety.Supervisor, logger *log.Logger) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 250 * time.Millisecond
	}
	return &Server{
		cfg:    cfg,
		coord:  coord,
		super:  super,
		logger: logger.WithPrefix("panel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Panels live on the machine's own network segment.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[int64]*wsClient),
		startTime: time.Now(),
	}
}

// OnChange registers a hook invoked after every successful mutating
// command. Must be called before Start.
func (s *Server) OnChange(fn func()) {
	s.onChange = fn
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrState, "panel listen")
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.routes()}
	s.running.Store(true)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("panel server: %v", err)
		}
	}()
	go s.pushLoop()

	s.logger.Info("panel listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and closes all websocket clients.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/estop", s.handleEstop)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	return mux
}

// StatusReport is the composite state pushed to panels.
type StatusReport struct {
	Motion motion.Status `json:"motion"`
	Safety SafetyStatus  `json:"safety"`
	Uptime float64       `json:"uptime"`
}

// SafetyStatus mirrors the supervisor state for the panel.
type SafetyStatus struct {
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) report() StatusReport {
	reason, msg := s.super.Reason()
	return StatusReport{
		Motion: s.coord.Snapshot(),
		Safety: SafetyStatus{
			State:   s.super.GetState().String(),
			Reason:  string(reason),
			Message: msg,
		},
		Uptime: time.Since(s.startTime).Seconds(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.report())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrConfigValue, "decode command"))
		return
	}
	if err := s.dispatch(cmd); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "status": s.report()})
}

// handleEstop is a dedicated endpoint so a panic button needs no body.
func (s *Server) handleEstop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.super.TriggerEstop(safety.ReasonPanel, "panel estop endpoint")
	s.writeJSON(w, map[string]any{"ok": true})
}

// Command is a single operator request. Name selects the action; the
// remaining fields carry its parameters.
type Command struct {
	Name string `json:"command"`

	Mode       string  `json:"mode,omitempty"`
	PitchDu    int64   `json:"pitch_du,omitempty"`
	Starts     int     `json:"starts,omitempty"`
	ConeRatio  float64 `json:"cone_ratio,omitempty"`
	TurnPasses int     `json:"turn_passes,omitempty"`
	Forward    bool    `json:"forward,omitempty"`
	Enabled    bool    `json:"enabled,omitempty"`
	Axis       string  `json:"axis,omitempty"`
	TargetDu   float64 `json:"target_du,omitempty"`

	// PositionSteps places a stop explicitly; when nil the stop is
	// set at the axis' current tool position.
	PositionSteps *int64 `json:"position_steps,omitempty"`
}

func (s *Server) dispatch(cmd Command) error {
	var err error
	switch cmd.Name {
	case "set_mode":
		var m motion.Mode
		if m, err = motion.ParseMode(cmd.Mode); err == nil {
			err = s.coord.SetOperationMode(m)
		}
	case "set_pitch":
		err = s.coord.SetPitch(cmd.PitchDu)
	case "set_starts":
		err = s.coord.SetStarts(cmd.Starts)
	case "set_cone_ratio":
		err = s.coord.SetConeRatio(cmd.ConeRatio)
	case "set_turn_passes":
		err = s.coord.SetTurnPasses(cmd.TurnPasses)
	case "set_aux_direction":
		s.coord.SetAuxDirection(cmd.Forward)
	case "set_enabled":
		if cmd.Enabled && !s.super.IsOperational() {
			err = errors.New(errors.ErrState, "estop latched")
		} else {
			err = s.coord.SetEnabled(cmd.Enabled)
		}
	case "advance":
		s.coord.AdvanceOperation()
	case "move":
		err = s.coord.ExternalMove(cmd.Axis, cmd.TargetDu, false)
	case "set_left_stop":
		err = s.setStop(cmd, true)
	case "set_right_stop":
		err = s.setStop(cmd, false)
	case "clear_left_stop":
		err = s.clearStop(cmd, true)
	case "clear_right_stop":
		err = s.clearStop(cmd, false)
	case "set_origin":
		err = s.setOrigin(cmd)
	case "estop":
		s.super.TriggerEstop(safety.ReasonPanel, "panel estop command")
	case "clear_estop":
		err = s.super.Clear()
	default:
		err = errors.Newf(errors.ErrConfigValue, "unknown command %q", cmd.Name)
	}

	if err != nil {
		s.logger.WithError(err).Warn("command %s refused", cmd.Name)
		return err
	}
	s.logger.Debug("command %s applied", cmd.Name)
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

func (s *Server) panelAxis(name string) (*axis.Engine, error) {
	a := s.coord.AxisByName(name)
	if a == nil || !a.Active() {
		return nil, errors.Newf(errors.ErrConfigValue, "unknown axis %q", name)
	}
	return a, nil
}

func (s *Server) setStop(cmd Command, left bool) error {
	a, err := s.panelAxis(cmd.Axis)
	if err != nil {
		return err
	}
	pos := a.ToolPosition()
	if cmd.PositionSteps != nil {
		pos = *cmd.PositionSteps
	}
	if left {
		return a.SetLeftStop(axis.StopAt(pos))
	}
	return a.SetRightStop(axis.StopAt(pos))
}

func (s *Server) clearStop(cmd Command, left bool) error {
	a, err := s.panelAxis(cmd.Axis)
	if err != nil {
		return err
	}
	if left {
		return a.SetLeftStop(axis.NoStop())
	}
	return a.SetRightStop(axis.NoStop())
}

func (s *Server) setOrigin(cmd Command) error {
	a, err := s.panelAxis(cmd.Axis)
	if err != nil {
		return err
	}
	return a.SetOrigin()
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    string(errors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}
