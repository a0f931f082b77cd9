// Package message defines the requests the engine accepts and the
// administrative envelopes they travel in.
//
// A call reaches the remote dispatcher (registered as "rex") as
//
//	{'$gen_call', {SelfPid, Ref}, {call, Module, Function, Args, user}}
//
// and is answered by a message {Ref, Result} sent to SelfPid. A cast is
//
//	{'$gen_cast', {cast, Module, Function, Args, user}}
//
// and is never answered.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/samrose/pg-erl/codec"
)

// Dispatcher is the registered name of the remote endpoint that executes
// administrative calls and casts.
const Dispatcher codec.Atom = "rex"

const (
	genCall     codec.Atom = "$gen_call"
	genCast     codec.Atom = "$gen_cast"
	callTag     codec.Atom = "call"
	castTag     codec.Atom = "cast"
	groupLeader codec.Atom = "user"
	badRPC      codec.Atom = "badrpc"
)

var ErrBadEnvelope = errors.New("message: malformed envelope")

// Kind identifies the request shape.
type Kind uint8

const (
	KindCall Kind = iota
	KindCast
	KindSendAsync
	KindPoll
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindCast:
		return "cast"
	case KindSendAsync:
		return "send_async"
	case KindPoll:
		return "poll"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request carries one engine operation through the middleware chain.
//
//   - call, cast, send_async: Node, Module, Function and Args are set.
//   - poll: Handle is set, Node is filled in by the engine when known.
type Request struct {
	Kind     Kind
	Node     string
	Module   string
	Function string
	Args     any
	Timeout  time.Duration
	Handle   uint64
}

// Outcome classifies a response.
type Outcome uint8

const (
	OutcomeValue Outcome = iota
	OutcomePending
	OutcomeTimeout
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValue:
		return "value"
	case OutcomePending:
		return "pending"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Response is the result of a Request. Reason is set for OutcomeError.
type Response struct {
	Value    any
	Handle   uint64
	Outcome  Outcome
	Reason   string
	Degraded []byte
}

// ArgList turns a host argument value into the remote argument list:
// a sequence is used as-is, null is the empty list and anything else is
// wrapped as the single argument.
func ArgList(args any) []any {
	switch a := args.(type) {
	case nil:
		return []any{}
	case []any:
		return a
	default:
		return []any{a}
	}
}

// CallEnvelope builds the administrative call message. Module and function
// names longer than an atom can hold fail with codec.ErrUnsupportedValue.
func CallEnvelope(self codec.Pid, ref codec.Ref, module, function string, args any) (codec.Tuple, error) {
	if err := checkMF(module, function); err != nil {
		return nil, err
	}
	return codec.Tuple{
		genCall,
		codec.Tuple{self, ref},
		codec.Tuple{callTag, codec.Atom(module), codec.Atom(function), ArgList(args), groupLeader},
	}, nil
}

// CastEnvelope builds the administrative cast message.
func CastEnvelope(module, function string, args any) (codec.Tuple, error) {
	if err := checkMF(module, function); err != nil {
		return nil, err
	}
	return codec.Tuple{
		genCast,
		codec.Tuple{castTag, codec.Atom(module), codec.Atom(function), ArgList(args), groupLeader},
	}, nil
}

func checkMF(module, function string) error {
	if err := codec.CheckAtom(module); err != nil {
		return fmt.Errorf("module: %w", err)
	}
	if err := codec.CheckAtom(function); err != nil {
		return fmt.Errorf("function: %w", err)
	}
	return nil
}

// Reply builds the answer to a call.
func Reply(ref codec.Ref, result any) codec.Tuple {
	return codec.Tuple{ref, result}
}

// BadRPC builds the failure result the dispatcher returns for a call it
// could not execute.
func BadRPC(reason any) codec.Tuple {
	return codec.Tuple{badRPC, reason}
}

// Invocation is a decoded call or cast envelope.
type Invocation struct {
	Cast     bool
	From     codec.Pid
	Ref      codec.Ref
	Module   string
	Function string
	Args     []any
}

// ParseEnvelope decodes a typed term received by the dispatcher.
func ParseEnvelope(term any) (*Invocation, error) {
	env, ok := term.(codec.Tuple)
	if !ok || len(env) == 0 {
		return nil, fmt.Errorf("%w: %T", ErrBadEnvelope, term)
	}

	switch {
	case len(env) == 3 && env[0] == genCall:
		from, ok := env[1].(codec.Tuple)
		if !ok || len(from) != 2 {
			return nil, fmt.Errorf("%w: call sender", ErrBadEnvelope)
		}
		pid, okPid := from[0].(codec.Pid)
		ref, okRef := from[1].(codec.Ref)
		if !okPid || !okRef {
			return nil, fmt.Errorf("%w: call sender", ErrBadEnvelope)
		}
		inv, err := parseMFA(env[2], callTag)
		if err != nil {
			return nil, err
		}
		inv.From, inv.Ref = pid, ref
		return inv, nil

	case len(env) == 2 && env[0] == genCast:
		inv, err := parseMFA(env[1], castTag)
		if err != nil {
			return nil, err
		}
		inv.Cast = true
		return inv, nil
	}
	return nil, fmt.Errorf("%w: unknown envelope", ErrBadEnvelope)
}

func parseMFA(term any, tag codec.Atom) (*Invocation, error) {
	mfa, ok := term.(codec.Tuple)
	if !ok || len(mfa) != 5 || mfa[0] != tag {
		return nil, fmt.Errorf("%w: %s body", ErrBadEnvelope, tag)
	}
	mod, okMod := mfa[1].(codec.Atom)
	fun, okFun := mfa[2].(codec.Atom)
	if !okMod || !okFun {
		return nil, fmt.Errorf("%w: module/function", ErrBadEnvelope)
	}
	inv := &Invocation{Module: string(mod), Function: string(fun)}
	switch args := mfa[3].(type) {
	case []any:
		inv.Args = args
	case string:
		// a short list of small integers arrives as a string term
		for _, r := range []byte(args) {
			inv.Args = append(inv.Args, int64(r))
		}
	default:
		return nil, fmt.Errorf("%w: args %T", ErrBadEnvelope, args)
	}
	if inv.Args == nil {
		inv.Args = []any{}
	}
	return inv, nil
}
