package tree

import (
	"context"

	"github.com/zutils/protocols/internal/runtime/envelope"
)

// Propagator is anything that routes an envelope to result envelopes.
type Propagator interface {
	Propagate(ctx context.Context, env *envelope.Envelope) []*envelope.Envelope
}

// DecodeFailureMessage is returned to the host when a module cannot parse
// the envelope it was handed.
const DecodeFailureMessage = "cannot parse data, possibly incorrect version"

// ServeFFI is the module side of a foreign call: it decodes an envelope,
// propagates it and encodes the results. A decode failure yields a single
// Error result; an encode failure yields empty bytes.
func ServeFFI(ctx context.Context, p Propagator, in []byte) []byte {
	var results []*envelope.Envelope
	env, err := envelope.Unmarshal(in)
	if err != nil {
		results = []*envelope.Envelope{envelope.NewError(DecodeFailureMessage)}
	} else {
		results = p.Propagate(ctx, env)
	}

	out, err := envelope.MarshalVec(results)
	if err != nil {
		return []byte{}
	}
	return out
}
