package revocation

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rstudio/rstudio-sub009/internal/revocation/domain"
)

// revocationMessage is the wire form of a cluster revocation announcement.
type revocationMessage struct {
	CookieData string    `json:"cookie_data"`
	Expiration time.Time `json:"expiration"`
}

// KafkaBroadcaster implements Broadcaster using segmentio/kafka-go.
type KafkaBroadcaster struct {
	writer *kafka.Writer
}

// NewKafkaBroadcaster creates a broadcaster that announces revocations on the
// given topic. Returns nil when brokers or topic are unset so clustering stays
// optional. Call Close when shutting down.
func NewKafkaBroadcaster(brokers []string, topic string) *KafkaBroadcaster {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaBroadcaster{writer: writer}
}

// Broadcast publishes the revocation. Uses a short timeout so slow Kafka does
// not block sign-out handling.
func (b *KafkaBroadcaster) Broadcast(ctx context.Context, c *domain.RevokedCookie) error {
	if b == nil || b.writer == nil || c == nil {
		return nil
	}
	payload, err := json.Marshal(revocationMessage{CookieData: c.CookieData, Expiration: c.Expiration})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.writer.WriteMessages(writeCtx, kafka.Message{Value: payload})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (b *KafkaBroadcaster) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}

// Listen consumes revocation announcements and replays them into the registry.
// Each server instance uses its own group id so every one sees every message.
// Blocks until ctx is cancelled.
func Listen(ctx context.Context, brokers []string, topic, groupID string, registry *Registry) {
	if len(brokers) == 0 || topic == "" {
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("revocation: kafka read failed: %v", err)
			continue
		}
		var rm revocationMessage
		if err := json.Unmarshal(msg.Value, &rm); err != nil {
			log.Printf("revocation: bad announcement skipped: %v", err)
			continue
		}
		registry.ApplyRemote(&domain.RevokedCookie{CookieData: rm.CookieData, Expiration: rm.Expiration})
	}
}
