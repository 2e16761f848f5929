package server

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/pipeline"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadWait  = 60 * time.Second
)

// Message types sent on the prediction stream.
const (
	MessageStage  = "stage"
	MessageResult = "result"
	MessageError  = "error"
)

// StreamMessage is one frame on /ws/predict.
type StreamMessage struct {
	Type    string               `json:"type"`
	Stage   *pipeline.StageEvent `json:"stage,omitempty"`
	Result  *PredictResponse     `json:"result,omitempty"`
	Error   string               `json:"error,omitempty"`
	Details string               `json:"details,omitempty"`
}

// handleWSPredict reads one binary image frame per prediction and streams a
// stage message as each pipeline stage completes, then a result or error
// message. The connection stays open for further images until the client
// closes it.
func (s *Server) handleWSPredict(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.trackConn(conn, true)
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
	}()

	conn.SetReadLimit(s.opts.MaxUploadBytes)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket stream closed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			if err := s.writeStream(conn, StreamMessage{
				Type:    MessageError,
				Error:   kindInvalidRequest,
				Details: "send the printout image as a binary message",
			}); err != nil {
				return
			}
			continue
		}

		if err := s.streamPrediction(r.Context(), conn, data); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

// streamPrediction runs one image through the pipeline. It returns an error
// only when the connection can no longer be written to.
func (s *Server) streamPrediction(parent context.Context, conn *websocket.Conn, data []byte) error {
	s.countUpload()

	img, err := extract.Decode(bytes.NewReader(data))
	if err != nil {
		s.countExtractionError()
		kind, _ := classify(err)
		return s.writeStream(conn, StreamMessage{Type: MessageError, Error: kind, Details: err.Error()})
	}

	ctx, cancel := context.WithTimeout(parent, s.opts.RequestTimeout)
	defer cancel()

	var writeErr error
	extracted := false
	requestID := requestIDOrNew("")
	res, err := s.pipeline.RunImage(ctx, img, func(ev pipeline.StageEvent) {
		if ev.Stage == pipeline.StageExtract {
			extracted = true
		}
		if writeErr != nil {
			return
		}
		if writeErr = s.writeStream(conn, StreamMessage{Type: MessageStage, Stage: &ev}); writeErr != nil {
			cancel()
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		if !extracted {
			s.countExtractionError()
		}
		kind, _ := classify(err)
		return s.writeStream(conn, StreamMessage{Type: MessageError, Error: kind, Details: err.Error()})
	}

	resp := s.respond(res, "websocket", requestID)
	return s.writeStream(conn, StreamMessage{Type: MessageResult, Result: &resp})
}

func (s *Server) writeStream(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func (s *Server) trackConn(conn *websocket.Conn, open bool) {
	s.wsMu.Lock()
	if open {
		s.wsConns[conn] = struct{}{}
	} else {
		delete(s.wsConns, conn)
	}
	s.wsMu.Unlock()

	if s.metrics != nil {
		if open {
			s.metrics.WSConnections().Add(1)
		} else {
			s.metrics.WSConnections().Add(-1)
		}
	}
}
