package ws

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"palaver/internal/content"
	"palaver/internal/models"

	json "github.com/goccy/go-json"
)

// MessageStore is the durable message store contract the hub consumes.
type MessageStore interface {
	CreateMessage(sender models.Identity, body string, now time.Time) (models.Message, error)
	MarkMessagesRead(reader models.Identity) ([]models.Message, error)
}

// Notifier delivers out-of-band notifications to users with no live
// connection. May be absent.
type Notifier interface {
	NotifyNewMessage(msg models.Message, online map[string]struct{})
}

// Hub fans chat events out to the right subset of live connections. Events
// are serialized once and broadcast as bytes. Created at server start, lives
// for the process lifetime, torn down by Shutdown.
type Hub struct {
	registry *Registry
	store    MessageStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	// Serializes presence transitions so join/leave notices and roster
	// snapshots for the same identity can never reorder. Sends inside the
	// critical section are non-blocking, so a slow consumer cannot stall
	// admits or retires.
	presenceMu sync.Mutex
}

func NewHub(store MessageStore, notifier Notifier, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: NewRegistry(),
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Admit registers the connection and broadcasts presence: a join notice to
// every other connection, then a roster snapshot to everyone including the
// newcomer.
func (h *Hub) Admit(c *Conn, identity models.Identity) error {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	if err := h.registry.Admit(c, identity); err != nil {
		return err
	}
	h.logger.Info("connection admitted", "user_id", identity.UserID, "username", identity.Username)

	notice := h.encode(models.ServerEvent{
		Type:    models.ServerEventSystem,
		Message: identity.Username + " has joined the chat!",
	})
	for _, other := range h.registry.AllConnections() {
		if other != c {
			other.Send(notice)
		}
	}

	h.broadcastRoster()
	return nil
}

// Retire removes the connection. The leave notice fires only when the
// identity's last connection goes away; the roster snapshot always follows.
func (h *Hub) Retire(c *Conn) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	identity, last, ok := h.registry.Retire(c)
	if !ok {
		return
	}
	h.logger.Info("connection retired", "user_id", identity.UserID, "username", identity.Username, "last", last)

	if last {
		notice := h.encode(models.ServerEvent{
			Type:    models.ServerEventSystem,
			Message: identity.Username + " has left the chat.",
		})
		for _, other := range h.registry.AllConnections() {
			other.Send(notice)
		}
	}

	h.broadcastRoster()
}

func (h *Hub) broadcastRoster() {
	identities := h.registry.ListIdentities()
	users := make([]models.RosterEntry, len(identities))
	for i, identity := range identities {
		users[i] = models.RosterEntry{Username: identity.Username}
	}

	payload := h.encode(models.ServerEvent{
		Type:  models.ServerEventOnlineUsers,
		Users: users,
	})
	for _, c := range h.registry.AllConnections() {
		c.Send(payload)
	}
}

// RelayTyping forwards a typing signal to every connection not owned by the
// typist. Pure relay: nothing is retained, repeated signals repeat.
func (h *Hub) RelayTyping(identity models.Identity) {
	payload := h.encode(models.ServerEvent{
		Type:     models.ServerEventTyping,
		Username: identity.Username,
	})
	for _, c := range h.registry.ConnectionsExcept(identity.UserID) {
		c.Send(payload)
	}
}

// SendMessage persists an outbound message and fans the durable record out
// to every live connection, including the sender's other devices. Nothing is
// broadcast when persistence fails.
func (h *Hub) SendMessage(sender models.Identity, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ErrEmptyMessage
	}
	// The sanitizer can swallow the whole body (e.g. a bare <script> frame).
	body = content.Sanitize(body)
	if strings.TrimSpace(body) == "" {
		return models.ErrEmptyMessage
	}

	msg, err := h.store.CreateMessage(sender, body, h.now())
	if err != nil {
		h.logger.Error("failed to persist message", "user_id", sender.UserID, "error", err)
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	payload := h.encode(MessageEvent(msg))
	for _, c := range h.registry.AllConnections() {
		c.Send(payload)
	}

	if h.notifier != nil {
		h.notifier.NotifyNewMessage(msg, h.registry.OnlineUserIDs())
	}
	return nil
}

// MarkRead marks every message the reader has not yet seen and notifies each
// affected sender's own connections. Running it again with nothing unread is
// a no-op: empty update, empty notify set.
func (h *Hub) MarkRead(reader models.Identity) error {
	updated, err := h.store.MarkMessagesRead(reader)
	if err != nil {
		h.logger.Error("failed to mark messages read", "user_id", reader.UserID, "error", err)
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	for _, msg := range updated {
		payload := h.encode(models.ServerEvent{
			Type:      models.ServerEventReadReceipt,
			MessageID: msg.ID,
			Reader:    reader.Username,
		})
		for _, c := range h.registry.ConnectionsFor(msg.SenderID) {
			c.Send(payload)
		}
	}
	return nil
}

// Shutdown retires every live connection and closes its transport.
func (h *Hub) Shutdown() {
	for _, c := range h.registry.AllConnections() {
		_ = c.Close()
		h.Retire(c)
	}
}

// MessageEvent is the outbound wire form of a durable message record.
func MessageEvent(m models.Message) models.ServerEvent {
	return models.ServerEvent{
		Type:      models.ServerEventMessage,
		MessageID: m.ID,
		Sender:    m.Sender,
		Message:   m.Body,
		Timestamp: m.CreatedAt.Format(time.RFC3339),
		ReadBy:    m.ReadBy,
	}
}

func (h *Hub) encode(ev models.ServerEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return nil
	}
	return data
}
