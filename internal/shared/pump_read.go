package shared

import (
	"errors"
	"io"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/session"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// readPump reads frames from the WebSocket connection and feeds complete
// messages into the session pipeline. It owns the disconnect of its client:
// whatever ends the loop, the manager is told exactly once.
func (s *Server) readPump(c *Client) {
	// CRITICAL: Panic recovery must be FIRST defer (executes LAST in LIFO order)
	// This catches any panics including those in cleanup code
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": c.id,
		"client_ip":     c.clientIP,
	})
	defer s.wg.Done()
	defer s.manager.Disconnect(c.id)

	pongWait := s.config.PongWait
	maxBytes := int64(s.config.MaxMessageBytes)

	// UTF-8 is checked by the decoder instead of the reader so that a bad
	// payload gets an INVALID_MESSAGE error frame and the connection survives.
	rd := &wsutil.Reader{
		Source: c.conn,
		State:  ws.StateServerSide,
		OnIntermediate: func(hdr ws.Header, src io.Reader) error {
			return s.handleControl(c, hdr, src)
		},
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.logReadError(c, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if hdr.OpCode.IsControl() {
			if err := s.handleControl(c, hdr, rd); err != nil {
				s.logReadError(c, err)
				return
			}
			continue
		}

		// One byte past the limit is enough for the pipeline to reject it
		data, err := io.ReadAll(io.LimitReader(rd, maxBytes+1))
		if err != nil {
			s.logReadError(c, err)
			return
		}
		if int64(len(data)) > maxBytes {
			if err := rd.Discard(); err != nil {
				s.logReadError(c, err)
				return
			}
		}

		err = s.manager.HandleInbound(s.ctx, c.id, data)
		var serr *session.Error
		if errors.As(err, &serr) && serr.Fatal() {
			s.logger.Debug().
				Str("connection_id", c.id).
				Str("code", string(serr.Code)).
				Msg("Read loop stopped after fatal protocol error")
			return
		}
	}
}

// handleControl answers pings and ends the loop on a close frame. It is used
// for control frames between messages and interleaved inside fragmented ones.
// src is already unmasked by the reader.
func (s *Server) handleControl(c *Client, hdr ws.Header, src io.Reader) error {
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(src, payload); err != nil {
			return err
		}
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeControl(ws.NewPongFrame(payload))
	case ws.OpPong:
		return nil
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (s *Server) logReadError(c *Client, err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed):
		s.logger.Debug().
			Str("connection_id", c.id).
			Int("close_code", int(closed.Code)).
			Str("reason", closed.Reason).
			Msg("Client closed connection")
	case c.isClosed(), errors.Is(err, io.EOF):
		s.logger.Debug().
			Str("connection_id", c.id).
			Msg("Connection ended")
	default:
		s.logger.Debug().
			Err(err).
			Str("connection_id", c.id).
			Msg("Read error, disconnecting client")
	}
}
