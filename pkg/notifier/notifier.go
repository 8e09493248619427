// Package notifier implements the client's publish/subscribe layer: state
// machines and the transaction-submission machine publish updates keyed
// by operation id, and callers subscribe to receive every update for one
// operation (or, via Glob, a cross-operation feed).
package notifier

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxorio/fedclient/pkg/core"
	"github.com/fluxorio/fedclient/pkg/core/concurrency"
)

// Update is one notification delivered to a subscriber. Module state
// machines publish arbitrary module-defined payloads; the submission
// state machine publishes TransactionUpdate payloads (defined in
// pkg/txsm) under the same topic scheme.
type Update struct {
	Topic string
	Body  any
}

const mailboxCapacity = 64

type subscription struct {
	id      string
	topic   string // exact topic, or a "prefix*" glob
	mailbox concurrency.Mailbox
}

// Notifier is an in-process topic-based publish/subscribe bus. A topic is
// typically an operation id rendered as hex, optionally with additional
// module-defined suffix segments (e.g. "<opid>.funding").
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger core.Logger

	disconnected int64 // subscribers dropped for a full mailbox
}

// New creates an empty Notifier.
func New(logger core.Logger) *Notifier {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Notifier{
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// Subscribe registers interest in topic, which may end in "*" to match
// every topic sharing that prefix (used for a client-wide update feed).
// The returned channel is closed when Unsubscribe is called, when the
// subscriber is dropped for a full mailbox, or when the Notifier is shut
// down with Close.
func (n *Notifier) Subscribe(topic string) (<-chan Update, func()) {
	mb := concurrency.NewBoundedMailbox(mailboxCapacity)
	sub := &subscription{id: uuid.New().String(), topic: topic, mailbox: mb}

	n.mu.Lock()
	n.subs[sub.id] = sub
	n.mu.Unlock()

	out := make(chan Update, mailboxCapacity)
	go n.pump(sub, out)

	unsubscribe := func() {
		n.mu.Lock()
		delete(n.subs, sub.id)
		n.mu.Unlock()
		mb.Close()
	}
	return out, unsubscribe
}

func (n *Notifier) pump(sub *subscription, out chan<- Update) {
	defer close(out)
	ctx := context.Background()
	for {
		msg, err := sub.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		update, ok := msg.(Update)
		if !ok {
			continue
		}
		out <- update
	}
}

// Publish delivers update to every subscriber whose topic matches.
// Delivery is non-blocking: a subscriber whose mailbox is full is
// considered disconnected and is dropped, mirroring how a crashed or
// wedged watcher should not stall the executor that's publishing state
// transitions.
func (n *Notifier) Publish(update Update) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, sub := range n.subs {
		if !topicMatches(sub.topic, update.Topic) {
			continue
		}
		if err := sub.mailbox.Send(update); err != nil {
			n.logger.Warnf("notifier: dropping subscriber %s on topic %s: %v", sub.id, sub.topic, err)
			sub.mailbox.Close()
			delete(n.subs, id)
			n.disconnected++
			subscribersDisconnectedTotal.Inc()
		}
	}
}

// DisconnectedCount returns how many subscribers have been dropped for a
// full mailbox since the Notifier was created.
func (n *Notifier) DisconnectedCount() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disconnected
}

// Close tears down every subscriber's mailbox. Subsequent Subscribe calls
// still work but Publish will no longer reach subscribers registered
// before Close.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subs {
		sub.mailbox.Close()
		delete(n.subs, id)
	}
}

func topicMatches(subTopic, published string) bool {
	if strings.HasSuffix(subTopic, "*") {
		return strings.HasPrefix(published, strings.TrimSuffix(subTopic, "*"))
	}
	return subTopic == published
}
