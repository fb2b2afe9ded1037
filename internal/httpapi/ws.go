package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/irisfeng/vapi-cn/internal/protocol"
	"github.com/irisfeng/vapi-cn/internal/relay"
	"github.com/irisfeng/vapi-cn/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

// handleConversationWS attaches a client to a conversation: it creates the
// relay session, connects the upstream, and pumps frames both ways until
// either side goes away.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	conv, err := s.store.GetConversation(r.Context(), conversationID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation_not_found", "no such conversation")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	assistantID := r.URL.Query().Get("assistant_id")
	if assistantID == "" {
		assistantID = conv.AssistantID
	}
	assistant, err := s.store.GetAssistant(r.Context(), assistantID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "assistant_not_found", "no such assistant")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := s.cfg.UpstreamReady(); err != nil {
		writeEnvelopeAndClose(conn, protocol.NewServerEnvelope(protocol.TypeError, protocol.ErrorPayload{
			Error: err.Error(),
		}))
		return
	}

	sess := relay.NewSession(conversationID, assistant.ID, s.metrics, s.cfg.OutputSampleRate)
	upstream := s.upstream(assistant, sess)
	sess.AttachUpstream(upstream)

	if err := s.registry.Add(sess); err != nil {
		writeEnvelopeAndClose(conn, protocol.NewServerEnvelope(protocol.TypeError, protocol.ErrorPayload{
			Error: "conversation already has a live session",
		}))
		sess.Close()
		return
	}
	defer s.registry.Destroy(conversationID)

	connectCtx, cancelConnect := context.WithTimeout(r.Context(), s.cfg.ConnectTimeout*time.Duration(s.cfg.ConnectAttempts+1))
	err = upstream.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		log.Printf("ws %s: upstream connect: %v", conversationID, err)
		writeEnvelopeAndClose(conn, protocol.NewServerEnvelope(protocol.TypeError, protocol.ErrorPayload{
			Error: "could not reach the speech service",
		}))
		return
	}

	if err := s.store.UpdateConversationStatus(r.Context(), conversationID, "active"); err != nil {
		log.Printf("ws %s: mark active: %v", conversationID, err)
	}
	defer func() {
		if err := s.store.UpdateConversationStatus(context.Background(), conversationID, "ended"); err != nil {
			log.Printf("ws %s: mark ended: %v", conversationID, err)
		}
	}()

	sess.Greet()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for env := range sess.Outbound() {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				sess.Close()
				return
			}
		}
		// Outbound closed: the session is gone (teardown or reaped), so
		// unblock the read loop too.
		conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			sess.HandleBinaryAudio(data)
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				sess.SendErrorEnvelope("invalid message: " + err.Error())
				continue
			}
			switch msg := parsed.(type) {
			case protocol.ClientText:
				sess.HandleText(msg.Content)
			case protocol.ClientAudio:
				sess.HandleAudioBase64(msg.AudioBase64)
			case protocol.ClientControl:
				sess.HandleControl(msg.Command)
			}
		}
	}

	s.registry.Destroy(conversationID)
	<-writerDone
}

func writeEnvelopeAndClose(conn *websocket.Conn, env protocol.ServerEnvelope) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(env)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
