package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletledger/internal/ledger"
)

const (
	// KindTransfer is a movement between two wallets or from the treasury.
	KindTransfer = "transfer"
	// KindReversal is a compensating movement.
	KindReversal = "reversal"
)

// zero-decimal currencies; everything else has two minor digits
var minorDigits = map[string]int32{
	"XAF": 0,
	"XOF": 0,
	"JPY": 0,
	"KRW": 0,
}

// Major renders a minor-unit amount in major units of currency.
func Major(amount int64, currency string) decimal.Decimal {
	exp, ok := minorDigits[strings.ToUpper(currency)]
	if !ok {
		exp = 2
	}
	return decimal.New(amount, -exp)
}

// EntryPosted is one leg of a posted movement.
type EntryPosted struct {
	AccountID    string          `json:"account_id"`
	Seq          int64           `json:"seq"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Status       string          `json:"status"`
}

// MovementPosted describes a movement after it became durable.
type MovementPosted struct {
	Kind           string        `json:"kind"`
	MovementID     string        `json:"movement_id"`
	ReversalOf     string        `json:"reversal_of,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Currency       string        `json:"currency"`
	Entries        []EntryPosted `json:"entries"`
	PostedAt       time.Time     `json:"posted_at"`
}

// NewMovementPosted builds the event for mv.
func NewMovementPosted(kind string, mv ledger.Movement) MovementPosted {
	ev := MovementPosted{
		Kind:           kind,
		MovementID:     mv.ID,
		ReversalOf:     mv.ReversalOf,
		IdempotencyKey: mv.IdempotencyKey,
		PostedAt:       mv.CreatedAt,
	}
	for _, e := range mv.Entries {
		ev.Currency = e.Currency
		ev.Entries = append(ev.Entries, EntryPosted{
			AccountID:    e.AccountID,
			Seq:          e.Seq,
			Amount:       Major(e.Amount, e.Currency),
			BalanceAfter: Major(e.BalanceAfter, e.Currency),
			Status:       string(e.Status),
		})
	}
	return ev
}

// Publisher delivers movement events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event MovementPosted) error
}

// LogPublisher writes events to the structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event MovementPosted) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("movement posted",
		slog.String("kind", event.Kind),
		slog.String("movement_id", event.MovementID),
		slog.String("currency", event.Currency),
		slog.Int("legs", len(event.Entries)))
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes events as JSON, keyed by movement id.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher publishes through writer, typically a *kafka.Writer.
func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event MovementPosted) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MovementID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	})
}
