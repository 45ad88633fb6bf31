package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

// Serve upgrades the request and streams creatorID's completed tips until
// the client disconnects or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, creatorID uuid.UUID, originPatterns []string) {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are discarded; the returned context ends when the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, creatorID); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, creatorID uuid.UUID) error {
	updates, cancel := h.Subscribe(creatorID)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
