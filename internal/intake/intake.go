// Package intake feeds init_swap requests from a message bus into the
// custodian and publishes replies and status changes back to the bus.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/api"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/correlation"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/rpc"
	"pkt.systems/stride/internal/svcfields"
	"pkt.systems/stride/internal/swap"
)

// DefaultPollTimeout bounds one Poll call.
const DefaultPollTimeout = 250 * time.Millisecond

// Message is one record read from or written to the bus.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Consumer reads requests. Poll returns nil, nil when nothing arrived within
// timeout.
type Consumer interface {
	Poll(timeout time.Duration) (*Message, error)
	Close() error
}

// Publisher writes replies and status events.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Acceptor is the custodian entry point.
type Acceptor interface {
	Accept(ctx context.Context, req swap.Request) (swap.Accepted, error)
}

// Config configures an Intake.
type Config struct {
	Consumer   Consumer
	Publisher  Publisher
	Custodian  Acceptor
	ReplyTopic string
	// PollTimeout bounds one Poll call and is the pause after a Poll error.
	PollTimeout time.Duration
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Intake is a request loop over a Consumer.
type Intake struct {
	cfg    Config
	logger pslog.Logger
}

// New validates cfg.
func New(cfg Config) (*Intake, error) {
	if cfg.Consumer == nil || cfg.Custodian == nil {
		return nil, fmt.Errorf("intake: consumer and custodian required")
	}
	if cfg.ReplyTopic != "" && cfg.Publisher == nil {
		return nil, fmt.Errorf("intake: reply topic %q needs a publisher", cfg.ReplyTopic)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	cfg.Clock = clock.Or(cfg.Clock)
	return &Intake{cfg: cfg, logger: svcfields.WithSubsystem(cfg.Logger, "intake")}, nil
}

// Run consumes until ctx ends. Poll errors are logged and the loop goes on.
func (in *Intake) Run(ctx context.Context) error {
	in.logger.Info("intake.start", "reply_topic", in.cfg.ReplyTopic)
	for {
		if err := ctx.Err(); err != nil {
			in.logger.Info("intake.stop")
			return nil
		}
		msg, err := in.cfg.Consumer.Poll(in.cfg.PollTimeout)
		if err != nil {
			in.logger.Warn("intake.poll.error", "error", err)
			select {
			case <-ctx.Done():
			case <-in.cfg.Clock.After(in.cfg.PollTimeout):
			}
			continue
		}
		if msg == nil {
			continue
		}
		in.Handle(ctx, msg)
	}
}

// Handle processes one request message and publishes its reply.
func (in *Intake) Handle(ctx context.Context, msg *Message) api.Response {
	ctx = correlation.With(ctx, msg.Headers[correlation.Header])
	ctx = correlation.Ensure(ctx)
	logger := in.logger.With("topic", msg.Topic, "cid", correlation.ID(ctx))
	ctx = pslog.ContextWithLogger(ctx, logger)

	resp := in.process(ctx, msg.Value)
	if resp.Error != nil {
		logger.Warn("intake.request.rejected", "code", resp.Error.Code, "error", resp.Error.Message)
	} else {
		logger.Info("intake.request.accepted", svcfields.TxnKey, resp.TxnID)
	}
	in.reply(ctx, msg, resp)
	return resp
}

func (in *Intake) process(ctx context.Context, body []byte) api.Response {
	var req api.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, api.CodeParseError, "parse error: "+err.Error())
	}
	if req.JSONRPC != api.JSONRPCVersion || req.Method == "" {
		return errorResponse(req.ID, api.CodeInvalidRequest, `expected jsonrpc "2.0" and a method`)
	}
	if req.Method != api.MethodInitSwap {
		return errorResponse(req.ID, api.CodeMethodNotFound, "unknown method "+strconv.Quote(req.Method))
	}
	swapReq, err := rpc.DecodeInitSwap(req.Params)
	if err != nil {
		return errorResponse(req.ID, api.CodeInvalidParams, err.Error())
	}
	accepted, err := in.cfg.Custodian.Accept(ctx, swapReq)
	if err != nil {
		code := api.CodeRejected
		if errors.Is(err, swap.ErrInvalidRequest) {
			code = api.CodeInvalidParams
		}
		return errorResponse(req.ID, code, err.Error())
	}
	return api.Response{
		JSONRPC:           api.JSONRPCVersion,
		ID:                req.ID,
		Result:            accepted.SecretHash,
		TxnID:             accepted.TxnID,
		DestinationAmount: api.NewAmount(accepted.DestinationAmount),
		TimeoutInterval:   accepted.TimeoutInterval,
	}
}

func (in *Intake) reply(ctx context.Context, req *Message, resp api.Response) {
	if in.cfg.ReplyTopic == "" {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		pslog.LoggerFromContext(ctx).Error("intake.reply.encode", "error", err)
		return
	}
	key := req.Key
	if len(key) == 0 && len(resp.ID) > 0 {
		key = []byte(strings.Trim(string(resp.ID), `"`))
	}
	err = in.cfg.Publisher.Publish(ctx, Message{
		Topic:   in.cfg.ReplyTopic,
		Key:     key,
		Value:   payload,
		Headers: map[string]string{correlation.Header: correlation.ID(ctx)},
	})
	if err != nil {
		pslog.LoggerFromContext(ctx).Warn("intake.reply.error", "error", err)
	}
}

func errorResponse(id json.RawMessage, code int, message string) api.Response {
	return api.Response{JSONRPC: api.JSONRPCVersion, ID: id, Error: &api.Error{Code: code, Message: message}}
}

// StatusEvent is published for every status change.
type StatusEvent struct {
	TxnID   string    `json:"txn_id"`
	Role    string    `json:"role"`
	Status  string    `json:"status"`
	Outcome string    `json:"outcome,omitempty"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier publishes status events for record transitions.
type Notifier struct {
	publisher Publisher
	topic     string
	logger    pslog.Logger
}

// NewNotifier returns a notifier writing to topic.
func NewNotifier(publisher Publisher, topic string, logger pslog.Logger) *Notifier {
	return &Notifier{publisher: publisher, topic: topic, logger: svcfields.WithSubsystem(logger, "intake.status")}
}

// Observe implements record.Observer. Failures are logged; the swap run is
// never blocked on the bus.
func (n *Notifier) Observe(ctx context.Context, rec *record.Record) {
	ev := StatusEvent{
		TxnID:   rec.TxnID,
		Role:    string(rec.Role),
		Status:  string(rec.Status),
		Outcome: string(rec.Outcome),
		Note:    rec.Reason,
		At:      rec.UpdatedAt,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("intake.status.encode", "error", err)
		return
	}
	err = n.publisher.Publish(ctx, Message{Topic: n.topic, Key: []byte(rec.TxnID), Value: payload})
	if err != nil {
		n.logger.Warn("intake.status.publish", svcfields.TxnKey, rec.TxnID, "error", err)
	}
}
