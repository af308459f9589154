package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/session"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

const panelSendBuffer = 64

// panelCommand is an inbound frame from the page hosting the panel.
type panelCommand struct {
	Type     string                `json:"type"`
	VideoID  string                `json:"videoId,omitempty"`
	Settings *config.SettingsPatch `json:"settings,omitempty"`
	ModelID  string                `json:"modelId,omitempty"`
	Time     float64               `json:"time,omitempty"`
}

type panelFrame struct {
	Type    string         `json:"type"`
	State   *session.State `json:"state,omitempty"`
	Command string         `json:"command,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// panelConn queues outbound frames for one websocket. Sends after close
// are dropped.
type panelConn struct {
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *panelConn) push(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to encode panel frame: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn("Panel send buffer full, dropping frame")
	}
}

func (c *panelConn) Emit(e session.Event) {
	c.push(e)
}

func (c *panelConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	if s.newSession == nil {
		writeError(w, http.StatusNotImplemented, "panel sessions are not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		log.Error("WebSocket accept error: %v", err)
		return
	}

	pc := &panelConn{send: make(chan []byte, panelSendBuffer)}
	sess := s.newSession(pc)
	s.panels.Add(1)
	log.Info("Panel %s connected", sess.ID())

	ctx, cancel := context.WithCancel(r.Context())
	var ops sync.WaitGroup
	defer func() {
		cancel()
		ops.Wait()
		sess.Wait()
		pc.close()
		s.panels.Add(-1)
		log.Info("Panel %s disconnected", sess.ID())
	}()

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for msg := range pc.send {
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}()

	state := sess.Snapshot()
	pc.push(panelFrame{Type: "state", State: &state})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd panelCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			pc.push(panelFrame{Type: "error", Error: "invalid json frame"})
			continue
		}

		// timeUpdate is frequent and cheap, the rest may block on the network
		if cmd.Type == "timeUpdate" {
			sess.UpdateTime(ctx, cmd.Time)
			continue
		}
		ops.Add(1)
		go func() {
			defer ops.Done()
			if err := s.dispatchPanel(ctx, sess, pc, cmd); err != nil && !errors.Is(err, session.ErrStaleGeneration) {
				pc.push(panelFrame{Type: "error", Command: cmd.Type, Error: err.Error()})
			}
		}()
	}
}

func (s *Server) dispatchPanel(ctx context.Context, sess *session.Session, pc *panelConn, cmd panelCommand) error {
	switch cmd.Type {
	case "initializePanel":
		return sess.Initialize(ctx, cmd.VideoID)
	case "loadVideo":
		return sess.LoadVideo(ctx, cmd.VideoID)
	case "showPanel":
		sess.Show()
	case "hidePanel":
		sess.Hide()
	case "applySettings":
		if cmd.Settings == nil {
			return errors.New("settings are required")
		}
		saved, err := sess.ApplySettings(ctx, *cmd.Settings)
		if err != nil {
			return err
		}
		if s.apply != nil {
			return s.apply(saved)
		}
	case "retryTranslation":
		return sess.RetryTranslation(ctx, cmd.ModelID)
	case "renderAll":
		sess.RenderAll(ctx)
	case "snapshot":
		state := sess.Snapshot()
		pc.push(panelFrame{Type: "state", State: &state})
	default:
		return errors.New("unknown command " + cmd.Type)
	}
	return nil
}
