// Package bridge is the boundary handed to the host application. Arguments
// and results cross it as JSON documents; boolean-shaped operations report
// failure as false and log the cause instead of returning an error.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/samrose/pg-erl/client"
	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/message"
)

var ErrBadArguments = errors.New("bridge: arguments are not valid JSON")

// Status markers returned by PollAsync when no value is available yet.
const (
	StatusPending = "pending"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Marker is the JSON object PollAsync returns instead of a value.
type Marker struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type Bridge struct {
	client *client.Client
	json   codec.Codec
	log    zerolog.Logger
}

func New(c *client.Client, logger zerolog.Logger) *Bridge {
	return &Bridge{
		client: c,
		json:   codec.GetCodec(codec.CodecTypeJSON),
		log:    logger.With().Str("component", "bridge").Logger(),
	}
}

// Client exposes the engine behind the bridge.
func (b *Bridge) Client() *client.Client { return b.client }

func (b *Bridge) Connect(ctx context.Context, node, cookie string) bool {
	if err := b.client.Connect(ctx, node, cookie); err != nil {
		b.log.Warn().Str("node", node).Err(err).Msg("connect")
		return false
	}
	return true
}

func (b *Bridge) Disconnect(node string) bool { return b.client.Disconnect(node) }

func (b *Bridge) CheckConnection(node string) bool { return b.client.CheckConnection(node) }

func (b *Bridge) PendingRequests() int { return b.client.PendingCount() }

// Call runs module:function with the JSON arguments and returns the result as
// JSON. A timeout of zero or less uses the client's default.
func (b *Bridge) Call(ctx context.Context, node, module, function string, args []byte, timeoutMs int64) ([]byte, error) {
	v, err := b.args(args)
	if err != nil {
		return nil, err
	}
	result, err := b.client.Call(ctx, node, module, function, v, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return b.json.Encode(result)
}

func (b *Bridge) Cast(ctx context.Context, node, module, function string, args []byte) bool {
	v, err := b.args(args)
	if err == nil {
		err = b.client.Cast(ctx, node, module, function, v)
	}
	if err != nil {
		b.log.Warn().Str("node", node).Str("module", module).Str("function", function).Err(err).Msg("cast")
		return false
	}
	return true
}

func (b *Bridge) SendAsync(ctx context.Context, node, module, function string, args []byte) (uint64, error) {
	v, err := b.args(args)
	if err != nil {
		return 0, err
	}
	return b.client.SendAsync(ctx, node, module, function, v)
}

// PollAsync returns the reply for handle as JSON, or a Marker while there is
// none.
func (b *Bridge) PollAsync(ctx context.Context, handle uint64, timeoutMs int64) ([]byte, error) {
	resp, err := b.client.PollAsync(ctx, handle, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	switch resp.Outcome {
	case message.OutcomeValue:
		return b.json.Encode(resp.Value)
	case message.OutcomeTimeout:
		return b.json.Encode(Marker{Status: StatusTimeout})
	case message.OutcomeError:
		return b.json.Encode(Marker{Status: StatusError, Reason: resp.Reason})
	default:
		return b.json.Encode(Marker{Status: StatusPending})
	}
}

// args decodes the host's argument document. An empty document means no
// arguments.
func (b *Bridge) args(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := b.json.Decode(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	return v, nil
}
