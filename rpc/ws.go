package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"taskescrow/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// handleEventsWS streams committed journal records after the requested
// cursor. Subscribers that fall behind are closed with StatusTryAgainLater and
// are expected to resume from their last applied sequence.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	lagged, err := s.streamEvents(r.Context(), conn, after)
	switch {
	case lagged:
		_ = conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
	case err != nil && websocket.CloseStatus(err) == -1 && r.Context().Err() == nil:
		s.logger.Warn("event stream failed", "request_id", requestIDFrom(r.Context()), "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after int64) (bool, error) {
	backlog, updates, cancel, err := s.runtime.Journal().Subscribe(after, s.streamBuffer)
	if err != nil {
		return false, err
	}
	defer cancel()

	// Reads are only needed to observe the peer closing the connection.
	ctx = conn.CloseRead(ctx)

	for _, record := range backlog {
		if err := writeRecord(ctx, conn, record); err != nil {
			return false, err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return true, nil
			}
			if err := writeRecord(ctx, conn, record); err != nil {
				return false, err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, record types.EventRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
