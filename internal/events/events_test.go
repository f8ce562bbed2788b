package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/congo-pay/walletledger/internal/ledger"
	"github.com/congo-pay/walletledger/internal/logging"
)

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func sampleMovement() ledger.Movement {
	return ledger.Movement{
		ID:        "mv-1",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Entries: []ledger.Entry{
			{AccountID: "a", Seq: 2, Amount: -4_050, BalanceAfter: 5_950, Currency: "USD", Status: ledger.EntryPosted},
			{AccountID: "b", Seq: 1, Amount: 4_050, BalanceAfter: 4_050, Currency: "USD", Status: ledger.EntryPosted},
		},
	}
}

func TestMajor(t *testing.T) {
	if got := Major(4_050, "usd").String(); got != "40.5" {
		t.Fatalf("expected 40.5, got %s", got)
	}
	if got := Major(1_500, "XAF").String(); got != "1500" {
		t.Fatalf("expected 1500, got %s", got)
	}
}

func TestKafkaPublisher_KeysByMovement(t *testing.T) {
	w := &recordingWriter{}
	p := NewKafkaPublisher(w)
	if err := p.Publish(context.Background(), NewMovementPosted(KindTransfer, sampleMovement())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "mv-1" {
		t.Fatalf("expected movement id key, got %s", w.msgs[0].Key)
	}

	var decoded MovementPosted
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Currency != "USD" || len(decoded.Entries) != 2 {
		t.Fatalf("unexpected event %+v", decoded)
	}
	if decoded.Entries[0].Amount.String() != "-40.5" {
		t.Fatalf("expected -40.5, got %s", decoded.Entries[0].Amount)
	}
}

func TestLogPublisher_NilSafe(t *testing.T) {
	var p *LogPublisher
	if err := p.Publish(context.Background(), MovementPosted{}); err != nil {
		t.Fatalf("nil publisher: %v", err)
	}
	if err := NewLogPublisher(logging.Discard()).Publish(context.Background(), NewMovementPosted(KindReversal, sampleMovement())); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
