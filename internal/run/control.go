package run

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"sensed/internal/control"
)

func (s *Server) controlLoop(ctx context.Context) {
	ln, err := net.Listen("unix", s.config().Paths.SocketPath)
	if err != nil {
		s.logger.Errorf("control listen: %v", err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("control accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil && ctx.Err() == nil {
			s.logger.Warnf("control connection close: %v", err)
		}
	}()
	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	var req control.Request
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		_ = json.NewEncoder(conn).Encode(control.SimpleResponse{OK: false, Message: "bad request: " + err.Error()})
		return
	}
	_ = json.NewEncoder(conn).Encode(s.handle(ctx, req))
}

// handle answers one control request.
func (s *Server) handle(ctx context.Context, req control.Request) any {
	switch req.Op {
	case control.OpStatus:
		return control.Status{
			Running:     true,
			UptimeSec:   time.Since(s.startedAt).Seconds(),
			Schedule:    s.cadence.Schedule(),
			Listener:    s.coord.State(),
			Stats:       s.coord.Stats(),
			LastCapture: s.copyLastCapture(),
			Transcripts: s.copyTranscripts(),
		}
	case control.OpHealth:
		return ok("ok")
	case control.OpState:
		return s.coord.State()
	case control.OpSchedule:
		return s.cadence.Schedule()
	case control.OpSignal:
		if req.Signal == nil {
			return fail("signal payload missing")
		}
		select {
		case s.signals <- *req.Signal:
			return ok("signal queued")
		case <-ctx.Done():
			return fail("shutting down")
		}
	case control.OpRefresh:
		if !s.cadence.Refresh() {
			return fail("capture not running")
		}
		return ok("capture requested")
	case control.OpCapture:
		switch req.Action {
		case "start":
			if err := s.cadence.Start(0); err != nil {
				return fail(err.Error())
			}
			return ok("capture started")
		case "stop":
			s.cadence.Stop()
			return ok("capture stopped")
		}
	case control.OpListen:
		switch req.Action {
		case "start":
			id, err := s.startListening()
			if err != nil {
				return fail(err.Error())
			}
			return ok("session " + id)
		case "stop":
			if err := s.stopListening(); err != nil {
				return fail(err.Error())
			}
			return ok("listening stopped")
		}
	case control.OpMicTest:
		switch req.Action {
		case "start":
			if err := s.startTest(); err != nil {
				return control.MicTestResponse{Message: err.Error()}
			}
			return control.MicTestResponse{OK: true, Running: true}
		case "stop":
			sum, err := s.stopTest()
			if err != nil {
				return control.MicTestResponse{Message: err.Error()}
			}
			return control.MicTestResponse{OK: true, Summary: &sum}
		case "status", "":
			sum, running := s.coord.TestStatus()
			return control.MicTestResponse{OK: true, Running: running, Summary: &sum}
		}
	case control.OpEvents:
		return control.EventsResponse{Events: s.copyEvents()}
	case control.OpReload:
		if err := s.reload(); err != nil {
			return fail(err.Error())
		}
		return ok("config reloaded")
	default:
		return fail("unknown op " + req.Op)
	}
	return fail("unknown action " + req.Action + " for " + req.Op)
}

func ok(msg string) control.SimpleResponse {
	return control.SimpleResponse{OK: true, Message: msg}
}

func fail(msg string) control.SimpleResponse {
	return control.SimpleResponse{OK: false, Message: msg}
}
