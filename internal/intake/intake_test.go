package intake

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/stride/api"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/correlation"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/storage/memory"
	"pkt.systems/stride/internal/swap"
)

const userAddr = "0x00000000000000000000000000000000000000a1"

type queueConsumer struct {
	mu     sync.Mutex
	queue  []*Message
	closed bool
}

func (q *queueConsumer) Poll(timeout time.Duration) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	msg := q.queue[0]
	q.queue = q.queue[1:]
	return msg, nil
}

func (q *queueConsumer) Close() error {
	q.closed = true
	return nil
}

func (q *queueConsumer) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

type acceptFunc func(context.Context, swap.Request) (swap.Accepted, error)

func (f acceptFunc) Accept(ctx context.Context, req swap.Request) (swap.Accepted, error) {
	return f(ctx, req)
}

func accepting(t *testing.T) acceptFunc {
	return func(ctx context.Context, req swap.Request) (swap.Accepted, error) {
		if correlation.ID(ctx) == "" {
			t.Errorf("accept called without a correlation id")
		}
		return swap.Accepted{TxnID: "txn-" + req.SourceAmount.String(), SecretHash: "0x" + strings.Repeat("01", 32), DestinationAmount: req.SourceAmount}, nil
	}
}

func request(id, amount string) []byte {
	return []byte(`{"jsonrpc":"2.0","id":` + id + `,"method":"init_swap","params":{"source_amount":` + amount + `,"user_address":"` + userAddr + `"}}`)
}

func TestHandleRepliesOnReplyTopic(t *testing.T) {
	pub := &recordingPublisher{}
	in, err := New(Config{Consumer: &queueConsumer{}, Publisher: pub, Custodian: accepting(t), ReplyTopic: "stride.replies"})
	if err != nil {
		t.Fatal(err)
	}
	resp := in.Handle(context.Background(), &Message{
		Topic:   "stride.requests",
		Value:   request(`"req-1"`, `"25"`),
		Headers: map[string]string{correlation.Header: "cid-7"},
	})
	if resp.Error != nil || resp.TxnID != "txn-25" {
		t.Fatalf("unexpected response %+v", resp)
	}
	sent := pub.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(sent))
	}
	reply := sent[0]
	if reply.Topic != "stride.replies" || string(reply.Key) != "req-1" || reply.Headers[correlation.Header] != "cid-7" {
		t.Fatalf("unexpected reply envelope %+v", reply)
	}
	var decoded api.Response
	if err := json.Unmarshal(reply.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.TxnID != "txn-25" || decoded.Result == "" || string(decoded.ID) != `"req-1"` {
		t.Fatalf("unexpected reply body %+v", decoded)
	}
}

func TestHandleErrors(t *testing.T) {
	rejecting := acceptFunc(func(context.Context, swap.Request) (swap.Accepted, error) {
		return swap.Accepted{}, &swap.RequestChannelError{Reason: "duplicate", Err: record.ErrDuplicate}
	})
	in, err := New(Config{Consumer: &queueConsumer{}, Custodian: rejecting})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		body string
		code int
	}{
		{`not json`, api.CodeParseError},
		{`{"jsonrpc":"2.0","id":1,"method":"refund"}`, api.CodeMethodNotFound},
		{`{"id":1,"method":"init_swap"}`, api.CodeInvalidRequest},
		{string(request("1", `"-4"`)), api.CodeInvalidParams},
		{string(request("1", `"4"`)), api.CodeRejected},
	}
	for _, tc := range cases {
		resp := in.Handle(context.Background(), &Message{Value: []byte(tc.body)})
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: got %+v, want code %d", tc.body, resp.Error, tc.code)
		}
	}
}

func TestRunDrainsConsumer(t *testing.T) {
	consumer := &queueConsumer{queue: []*Message{
		{Key: []byte("a"), Value: request("1", "10")},
		{Key: []byte("b"), Value: request("2", "20")},
	}}
	pub := &recordingPublisher{}
	in, err := New(Config{Consumer: consumer, Publisher: pub, Custodian: accepting(t), ReplyTopic: "replies", PollTimeout: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for len(pub.messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("replies not published; %d requests left", consumer.remaining())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := pub.messages()
	if string(sent[0].Key) != "a" || string(sent[1].Key) != "b" {
		t.Fatalf("replies out of order: %q %q", sent[0].Key, sent[1].Key)
	}
}

// failingConsumer fails its first Poll, then serves queue.
type failingConsumer struct {
	queueConsumer
	failed bool
}

func (f *failingConsumer) Poll(timeout time.Duration) (*Message, error) {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return nil, errors.New("broker transport failure")
	}
	f.mu.Unlock()
	return f.queueConsumer.Poll(timeout)
}

func TestRunPausesOnClockAfterPollError(t *testing.T) {
	consumer := &failingConsumer{queueConsumer: queueConsumer{queue: []*Message{
		{Key: []byte("a"), Value: request("1", "10")},
	}}}
	pub := &recordingPublisher{}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	in, err := New(Config{Consumer: consumer, Publisher: pub, Custodian: accepting(t), ReplyTopic: "replies", PollTimeout: time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	if !clk.WaitForWaiters(1, 5*time.Second) {
		t.Fatalf("run did not pause after the poll error")
	}
	if consumer.remaining() != 1 || len(pub.messages()) != 0 {
		t.Fatalf("consumed while paused: %d left, %d replies", consumer.remaining(), len(pub.messages()))
	}
	clk.Advance(time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for len(pub.messages()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reply not published after the pause")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Custodian: accepting(t)}); err == nil {
		t.Fatalf("accepted missing consumer")
	}
	if _, err := New(Config{Consumer: &queueConsumer{}, Custodian: accepting(t), ReplyTopic: "r"}); err == nil {
		t.Fatalf("accepted reply topic without publisher")
	}
}

func TestNotifierPublishesTransitions(t *testing.T) {
	pub := &recordingPublisher{}
	notifier := NewNotifier(pub, "stride.status", nil)
	store := record.New(memory.New(), record.WithObserver(notifier.Observe))
	ctx := context.Background()
	rec := &record.Record{
		TxnID: "n1", Role: record.RoleCustodian, Status: record.StatusReceived,
		SourceAmount: big.NewInt(1), DestinationAmount: big.NewInt(1), Secret: "0xsecret",
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, record.RoleCustodian, "n1", func(r *record.Record) error {
		r.Status = record.StatusDestDeposited
		r.Reason = "deposited"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	sent := pub.messages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 status events, got %d", len(sent))
	}
	for _, msg := range sent {
		if strings.Contains(string(msg.Value), "0xsecret") {
			t.Fatalf("status event leaked the secret: %s", msg.Value)
		}
	}
	var ev StatusEvent
	if err := json.Unmarshal(sent[1].Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.TxnID != "n1" || ev.Status != "DEST_DEPOSITED" || ev.Note != "deposited" || string(sent[1].Key) != "n1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	pub.err = errors.New("broker down")
	if _, err := store.Transition(ctx, record.RoleCustodian, "n1", func(r *record.Record) error {
		r.Status = record.StatusSourceSeen
		return nil
	}); err != nil {
		t.Fatalf("publish failure leaked into the transition: %v", err)
	}
}
