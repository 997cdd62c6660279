// Package hub fans preview events out to subscribed clients.
//
// The hub owns every subscription mailbox. Publishing never blocks: each
// mailbox is a bounded channel and a full mailbox drops the incoming
// message for that subscriber only (drop-new). Subscribers drain their
// mailboxes independently, so one slow client cannot stall the others.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/previewd/internal/logging"
)

// DefaultMailboxSize is the per-subscription buffer used when the
// configured size is zero or negative.
const DefaultMailboxSize = 64

// Subscription is one client channel bound to a project, or to the global
// catalogue when ProjectID is empty. Messages are read from Messages();
// the channel is closed when the subscription is torn down.
type Subscription struct {
	ID        string
	ProjectID string
	OpenedAt  time.Time

	mailbox   chan Message
	closeOnce sync.Once
}

// Messages returns the receive side of the subscription mailbox.
func (s *Subscription) Messages() <-chan Message {
	return s.mailbox
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.mailbox)
	})
}

// Config holds hub construction options.
type Config struct {
	// MailboxSize bounds each subscription's buffered mailbox.
	MailboxSize int
	Logger      logging.Logger
}

// Hub routes messages to subscriptions.
//
// Invariants:
//   - subscription map access is always protected by mu
//   - mailboxes are closed exactly once, and only under the write lock,
//     so publishes (which send under the read lock) never race a close
//   - closed transitions from false to true exactly once
type Hub struct {
	mailboxSize int
	logger      logging.Logger

	mu        sync.RWMutex
	subs      map[string]*Subscription            // subscription ID -> subscription
	byProject map[string]map[string]*Subscription // project ID ("" = global) -> subscription ID -> subscription
	closed    bool
}

// New creates a hub with the given configuration.
func New(config Config) *Hub {
	size := config.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Hub{
		mailboxSize: size,
		logger:      logger.WithComponent("hub"),
		subs:        make(map[string]*Subscription),
		byProject:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe opens a channel bound to projectID, or to the global catalogue
// when projectID is empty. Subscribing to a closed hub returns a
// subscription whose mailbox is already closed.
func (h *Hub) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		OpenedAt:  time.Now(),
		mailbox:   make(chan Message, h.mailboxSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.close()
		return sub
	}

	h.subs[sub.ID] = sub
	group := h.byProject[projectID]
	if group == nil {
		group = make(map[string]*Subscription)
		h.byProject[projectID] = group
	}
	group[sub.ID] = sub

	h.logger.Debug(context.Background(), "subscription opened",
		"subscription_id", sub.ID,
		"project_id", projectID,
	)
	return sub
}

// Unsubscribe removes the subscription and closes its mailbox. Safe to
// call more than once and after the hub or project has been closed.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.remove(sub)
	sub.close()
}

// remove drops the subscription from both indexes. Caller holds mu.
func (h *Hub) remove(sub *Subscription) {
	delete(h.subs, sub.ID)
	if group, ok := h.byProject[sub.ProjectID]; ok {
		delete(group, sub.ID)
		if len(group) == 0 {
			delete(h.byProject, sub.ProjectID)
		}
	}
}

// Publish delivers msg to every subscription bound to projectID. Global
// subscribers are not addressed here; catalogue events go through
// PublishGlobal.
func (h *Hub) Publish(projectID string, msg Message) {
	if projectID == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, sub := range h.byProject[projectID] {
		h.deliver(sub, msg)
	}
}

// PublishGlobal delivers msg to every catalogue subscriber.
func (h *Hub) PublishGlobal(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, sub := range h.byProject[""] {
		h.deliver(sub, msg)
	}
}

// deliver performs a non-blocking send. Caller holds mu (read or write).
func (h *Hub) deliver(sub *Subscription, msg Message) {
	select {
	case sub.mailbox <- msg:
	default:
		// Mailbox full: drop the incoming message for this subscriber only.
		h.logger.Debug(context.Background(), "mailbox full, dropping message",
			"subscription_id", sub.ID,
			"project_id", sub.ProjectID,
			"message_type", string(msg.Type),
		)
	}
}

// CloseProject force-closes every subscription bound to projectID after
// delivering a final project-removed message on each.
func (h *Hub) CloseProject(projectID string) {
	if projectID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	group := h.byProject[projectID]
	if len(group) == 0 {
		return
	}

	final := NewProjectRemoved(projectID)
	for _, sub := range group {
		h.deliver(sub, final)
		delete(h.subs, sub.ID)
		sub.close()
	}
	delete(h.byProject, projectID)

	h.logger.Debug(context.Background(), "project subscriptions closed",
		"project_id", projectID,
		"count", len(group),
	)
}

// Close shuts the hub down, closing every subscription. Further Publish
// and Subscribe calls become no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, sub := range h.subs {
		sub.close()
	}
	h.subs = make(map[string]*Subscription)
	h.byProject = make(map[string]map[string]*Subscription)
}

// SubscriberCount reports how many subscriptions are bound to projectID
// ("" counts global catalogue subscribers). Primarily useful for testing.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byProject[projectID])
}
