// Package events emits typed records for the notification pipeline.
// The messaging core only produces; the consumer that decides delivery
// channel (push, email) lives outside this module.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeMessageSent  = "message.sent"
	TypeMessagesRead = "messages.read"
)

// Record is the envelope written to the events topic.
type Record struct {
	Type       string    `json:"type"`
	SenderID   int64     `json:"senderId,omitempty"`
	ReceiverID int64     `json:"receiverId,omitempty"`
	ReaderID   int64     `json:"readerId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &Publisher{writer: w}
}

func (p *Publisher) MessageSent(ctx context.Context, senderID, receiverID int64, messageID string) error {
	return p.publish(ctx, messageID, Record{
		Type:       TypeMessageSent,
		SenderID:   senderID,
		ReceiverID: receiverID,
		MessageID:  messageID,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *Publisher) MessagesRead(ctx context.Context, readerID int64, messageIDs []string) error {
	return p.publish(ctx, "", Record{
		Type:       TypeMessagesRead,
		ReaderID:   readerID,
		MessageIDs: messageIDs,
		OccurredAt: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, key string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	msg := kafka.Message{Value: b, Time: rec.OccurredAt}
	if key != "" {
		msg.Key = []byte(key)
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error { return p.writer.Close() }
