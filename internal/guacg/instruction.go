// Package guacg implements the broker's custom control sublanguage: a
// Guacamole instruction whose outer opcode is literally "guacg", carrying
// a real opcode and a JSON argument object so that session lifecycle
// events (connect/pause/resume/control transfer) travel on the same wire
// as native Guacamole traffic. Sharing the channel keeps control events
// ordered with in-band traffic like size and clipboard.
package guacg

import (
	"encoding/json"
	"errors"

	"github.com/rjsadow/guacbroker/internal/protocol"
)

// Opcode is the outer wire opcode that marks an instruction as ours.
const Opcode = "guacg"

// APIOpcode is reserved for a future RPC-style sub-protocol
// (opcode=api, args=[api_name, json]). No API methods are defined yet;
// Parse records Opcode/API for forward compatibility but the broker does
// not dispatch on it.
const APIOpcode = "api"

// Real opcodes a browser may send inline, after the handshake-only
// "connect". Anything else is dropped.
const (
	OpConnect = "connect"
	OpPause   = "pause"
	OpControl = "control"
	OpApprove = "approve"
	OpReject  = "reject"
	OpRemove  = "remove"
)

// Notifications the broker emits downstream.
const (
	NotifySessionStarted = "sessionstarted"
	NotifySessionPaused  = "sessionpaused"
	NotifySessionEnded   = "sessionended"
	NotifyMessage        = "notify"
)

var browserAllowed = map[string]bool{
	OpPause:   true,
	OpControl: true,
	OpApprove: true,
	OpReject:  true,
	OpRemove:  true,
}

// Allowed reports whether opcode may be dispatched from a browser once a
// session is active (the "connect" opcode is handled separately, only
// while the handler is unbound).
func Allowed(opcode string) bool {
	return browserAllowed[opcode]
}

// Instruction is the decoded, in-memory form of a guacg instruction.
type Instruction struct {
	Opcode   string
	API      string
	JSONArgs map[string]any
}

// New builds a notification or request with the given real opcode and
// JSON arguments (nil is treated as an empty object).
func New(opcode string, jsonArgs map[string]any) *Instruction {
	if jsonArgs == nil {
		jsonArgs = map[string]any{}
	}
	return &Instruction{Opcode: opcode, JSONArgs: jsonArgs}
}

// IsGuacg reports whether frame is a complete, well-formed guacg
// instruction. A frame that fails to parse at all (malformed or
// incomplete) is not a guacg instruction as far as the classifier is
// concerned — the caller falls through to passthrough/fatal handling.
func IsGuacg(frame []byte) bool {
	instr, _, err := protocol.ParseOne(frame)
	return err == nil && instr.Opcode == Opcode
}

// Parse decodes a guacg instruction. The first argument is the real
// opcode; for a normal instruction the second argument (if present) is a
// JSON object decoded into JSONArgs. For the reserved "api" opcode, the
// second argument is the API name and the third (if present) is JSON.
func Parse(frame []byte) (*Instruction, error) {
	instr, _, err := protocol.ParseOne(frame)
	if err != nil {
		return nil, err
	}
	if instr.Opcode != Opcode {
		return nil, errors.New("guacg: not a guacg instruction")
	}
	if len(instr.Args) == 0 {
		return nil, errors.New("guacg: missing inner opcode")
	}

	inner := &Instruction{Opcode: instr.Args[0], JSONArgs: map[string]any{}}

	var raw string
	if inner.Opcode == APIOpcode {
		if len(instr.Args) >= 2 {
			inner.API = instr.Args[1]
		}
		if len(instr.Args) >= 3 {
			raw = instr.Args[2]
		}
	} else if len(instr.Args) >= 2 {
		raw = instr.Args[1]
	}

	if raw != "" {
		// A malformed JSON payload yields an empty args map rather than a
		// parse failure; the dispatcher treats missing keys as absent.
		_ = json.Unmarshal([]byte(raw), &inner.JSONArgs)
	}

	return inner, nil
}

// Encode renders the instruction back into guacg wire format.
func (i *Instruction) Encode() []byte {
	args := i.JSONArgs
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte("{}")
	}
	return protocol.Encode(Opcode, i.Opcode, string(payload))
}
