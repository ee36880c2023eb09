package api

import (
	"bytes"
	"net/http"

	"github.com/coder/websocket"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/telemetry"
	"github.com/sagernet/sing/common/json"

	"github.com/go-chi/render"
)

type logMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	levelText := r.URL.Query().Get("level")
	if levelText == "" {
		levelText = "info"
	}
	level, err := log.ParseLevel(levelText)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errBadRequest)
		return
	}
	subscription, done, err := s.logFactory.Subscribe()
	if err != nil {
		render.Status(r, http.StatusNoContent)
		return
	}
	defer s.logFactory.UnSubscribe(subscription)

	var wsConn *websocket.Conn
	if isWebsocketUpgrade(r) {
		wsConn, err = websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer wsConn.CloseNow()
	}
	if wsConn == nil {
		w.Header().Set("Content-Type", "application/json")
		render.Status(r, http.StatusOK)
	}

	ctx := r.Context()
	buf := &bytes.Buffer{}
	var entry log.Entry
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case entry = <-subscription:
		}
		if entry.Level > level {
			continue
		}
		buf.Reset()
		err = json.NewEncoder(buf).Encode(logMessage{
			Type:    log.FormatLevel(entry.Level),
			Payload: entry.Message,
		})
		if err != nil {
			break
		}
		if wsConn == nil {
			_, err = w.Write(buf.Bytes())
			w.(http.Flusher).Flush()
		} else {
			err = wsConn.Write(ctx, websocket.MessageText, buf.Bytes())
		}
		if err != nil {
			break
		}
	}
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		render.Status(r, http.StatusNoContent)
		return
	}
	subscription, done, err := s.broker.Subscribe()
	if err != nil {
		render.Status(r, http.StatusNoContent)
		return
	}
	defer s.broker.UnSubscribe(subscription)

	var wsConn *websocket.Conn
	if isWebsocketUpgrade(r) {
		wsConn, err = websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer wsConn.CloseNow()
	}
	if wsConn == nil {
		w.Header().Set("Content-Type", "application/json")
		render.Status(r, http.StatusOK)
	}

	ctx := r.Context()
	buf := &bytes.Buffer{}
	var event telemetry.Event
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case event = <-subscription:
		}
		buf.Reset()
		err = json.NewEncoder(buf).Encode(event)
		if err != nil {
			break
		}
		if wsConn == nil {
			_, err = w.Write(buf.Bytes())
			w.(http.Flusher).Flush()
		} else {
			err = wsConn.Write(ctx, websocket.MessageText, buf.Bytes())
		}
		if err != nil {
			break
		}
	}
}
