// Package notify is the realtime bridge between registry inserts and
// the client. The extraction pipeline publishes one event per inserted
// registry row; a subscribed client gets at most one notification per
// (user, file, outcome) triple.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// State is the bridge's subscription lifecycle. There is no automatic
// reconnect; after an error or teardown the bridge is Idle until the
// caller subscribes again with a fresh token.
type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "authorizing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "idle"
	}
}

var ErrAlreadySubscribed = errors.New("a subscription attempt is already in flight")

// Event mirrors one registry insert.
type Event struct {
	UserID           string `json:"user_id"`
	FileName         string `json:"file_name"`
	DocumentType     string `json:"document_type"`
	ExtractionStatus string `json:"extraction_status"`
}

// Notification is the rendered one-shot message for the client.
type Notification struct {
	Level    string `json:"level"`
	FileName string `json:"fileName"`
	Message  string `json:"message"`
}

// ChannelFor is the per-user pub/sub channel the extraction pipeline
// publishes registry inserts on.
func ChannelFor(userID string) string {
	return "registry:inserts:" + userID
}

type dedupKey struct {
	userID   string
	fileName string
	status   string
}

type Bridge struct {
	client *redis.Client
	secret []byte

	mu     sync.Mutex
	state  State
	seen   map[dedupKey]struct{}
	pubsub *redis.PubSub
}

func NewBridge(client *redis.Client, secret []byte) *Bridge {
	return &Bridge{
		client: client,
		secret: secret,
		seen:   make(map[dedupKey]struct{}),
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe verifies the token, opens the scoped channel, and delivers
// notifications to deliver until the context ends or the channel
// closes. At most one subscription may be in flight; concurrent calls
// get ErrAlreadySubscribed rather than a duplicate channel.
func (b *Bridge) Subscribe(ctx context.Context, token string, deliver func(Notification)) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return ErrAlreadySubscribed
	}
	b.state = StateAuthorizing
	b.mu.Unlock()

	userID, err := ParseSubscribeToken(b.secret, token)
	if err != nil {
		b.reset()
		return err
	}

	pubsub := b.client.Subscribe(ctx, ChannelFor(userID))

	// Subscribed only after the channel acknowledges.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		b.reset()
		return fmt.Errorf("subscribe ack: %w", err)
	}

	b.mu.Lock()
	b.state = StateSubscribed
	b.pubsub = pubsub
	b.mu.Unlock()

	go b.consume(ctx, userID, pubsub, deliver)
	return nil
}

func (b *Bridge) consume(ctx context.Context, userID string, pubsub *redis.PubSub, deliver func(Notification)) {
	defer func() {
		_ = pubsub.Close()
		b.reset()
	}()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("notify: dropping malformed event: %v", err)
				continue
			}
			// The channel is already user-scoped; this is a second,
			// client-side check, not the authority.
			if event.UserID != userID {
				continue
			}
			key := dedupKey{userID: event.UserID, fileName: event.FileName, status: event.ExtractionStatus}
			b.mu.Lock()
			if _, dup := b.seen[key]; dup {
				b.mu.Unlock()
				continue
			}
			b.seen[key] = struct{}{}
			b.mu.Unlock()

			deliver(render(event))
		}
	}
}

// Unsubscribe tears the channel down. Idempotent.
func (b *Bridge) Unsubscribe() {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	b.reset()
}

func (b *Bridge) reset() {
	b.mu.Lock()
	b.state = StateIdle
	b.pubsub = nil
	b.mu.Unlock()
}

func render(event Event) Notification {
	if event.ExtractionStatus == "FAILED" {
		return Notification{
			Level:    "error",
			FileName: event.FileName,
			Message:  fmt.Sprintf("Extraction failed for %s. Check the error documents list.", event.FileName),
		}
	}
	if isTenantDocumentType(event.DocumentType) {
		return Notification{
			Level:    "success",
			FileName: event.FileName,
			Message:  fmt.Sprintf("%s processed. View the extracted records under tenant data.", event.FileName),
		}
	}
	return Notification{
		Level:    "success",
		FileName: event.FileName,
		Message:  fmt.Sprintf("%s processed. Review it on the review page.", event.FileName),
	}
}

func isTenantDocumentType(documentType string) bool {
	normalized := strings.ToLower(strings.TrimSpace(documentType))
	return normalized == "tenant data" || normalized == "rent roll"
}

// Publisher is the pipeline-facing half of the channel.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) PublishInsert(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelFor(event.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
