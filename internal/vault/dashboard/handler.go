package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/dskora/vaultsync/internal/vault/coordinator"
	"github.com/dskora/vaultsync/internal/vault/localcache"
)

// Handler bridges coordinator state changes and cache change events onto
// the WebSocket feed.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a handler bound to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes the handler to a coordinator and a cache and returns a
// function that detaches everything.
func (h *Handler) Attach(coord *coordinator.Coordinator, cache *localcache.Cache) func() {
	unsubs := []func(){
		coord.OnStateChange(h.OnStateChange),
	}
	for _, collection := range cache.Collections() {
		unsubs = append(unsubs, cache.Subscribe(collection, h.OnCacheChange))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// OnStateChange broadcasts a sync lifecycle transition.
func (h *Handler) OnStateChange(change coordinator.StateChange) {
	data := SyncStateData{
		Collection: change.Collection,
		UserID:     change.UserID,
		State:      change.State.String(),
		Cursor:     change.Cursor,
	}
	if change.Err != nil {
		data.Error = change.Err.Error()
	}

	h.send(MessageTypeSyncState, data)

	if change.Cursor > 0 {
		h.send(MessageTypeCursor, CursorData{
			Collection: change.Collection,
			UserID:     change.UserID,
			Cursor:     change.Cursor,
		})
	}
}

// OnCacheChange broadcasts one committed cache batch.
func (h *Handler) OnCacheChange(ev localcache.ChangeEvent) {
	h.send(MessageTypeCacheChange, CacheChangeData{
		Collection: ev.Collection,
		UserID:     ev.UserID,
		Upserted:   ev.Upserted,
		Deleted:    ev.Deleted,
	})
}

func (h *Handler) send(typ MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      payload,
	})
}
