package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type queueReader struct {
	msgs []kafka.Message
}

func (q *queueReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(q.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, nil
}

func (q *queueReader) Close() error { return nil }

func TestPopReturnsValueThenIdles(t *testing.T) {
	c := &Consumer{r: &queueReader{msgs: []kafka.Message{{Value: []byte(`{"x":1}`)}}}, maxWait: 10 * time.Millisecond}
	got, err := c.Pop(context.Background())
	if err != nil || string(got) != `{"x":1}` {
		t.Fatalf("unexpected pop: %s, %v", got, err)
	}
	got, err = c.Pop(context.Background())
	if err != nil || got != nil {
		t.Fatalf("expected idle nil, got %s, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Pop(ctx); err == nil {
		t.Fatalf("expected error on canceled parent context")
	}
}

func TestNewConsumerValidates(t *testing.T) {
	if _, err := NewConsumer(Config{Topic: "t"}); err == nil {
		t.Fatalf("expected broker error")
	}
	if _, err := NewConsumer(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected topic error")
	}
}
