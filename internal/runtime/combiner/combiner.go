// Package combiner folds the result envelopes of one propagation into a
// single typed answer. Error results are logged and never survive a fold.
package combiner

import (
	"fmt"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
)

// Combiner folds propagation results. The zero value is not usable; use New.
type Combiner struct {
	log logging.ServiceLogger
}

func New(log logging.ServiceLogger) *Combiner {
	if log == nil {
		log = logging.Discard()
	}
	return &Combiner{log: log}
}

// ModuleInfo concatenates every VecModuleInfo result.
func (c *Combiner) ModuleInfo(results []*envelope.Envelope) *envelope.VecModuleInfo {
	out := &envelope.VecModuleInfo{}
	c.each(results, func(p envelope.Payload) {
		if v, ok := p.(*envelope.VecModuleInfo); ok {
			out.Infos = append(out.Infos, v.Infos...)
		}
	})
	return out
}

// VecData concatenates every VecData result.
func (c *Combiner) VecData(results []*envelope.Envelope) *envelope.VecData {
	out := &envelope.VecData{}
	c.each(results, func(p envelope.Payload) {
		if v, ok := p.(*envelope.VecData); ok {
			out.Items = append(out.Items, v.Items...)
		}
	})
	return out
}

// RPCData concatenates every VecRpcData result.
func (c *Combiner) RPCData(results []*envelope.Envelope) *envelope.VecRpcData {
	out := &envelope.VecRpcData{}
	c.each(results, func(p envelope.Payload) {
		if v, ok := p.(*envelope.VecRpcData); ok {
			out.Items = append(out.Items, v.Items...)
		}
	})
	return out
}

// Data returns the single Data answer of a GenerateMessage propagation. When
// several modules answer the first is kept; when none does the result is
// errors.ErrNoResponse.
func (c *Combiner) Data(target envelope.Schema, results []*envelope.Envelope) (*envelope.Data, error) {
	var answers []*envelope.Data
	c.each(results, func(p envelope.Payload) {
		if v, ok := p.(*envelope.Data); ok {
			answers = append(answers, v)
		}
	})

	switch len(answers) {
	case 0:
		return nil, fmt.Errorf("%w: %s", errspkg.ErrNoResponse, target)
	case 1:
	default:
		c.log.Warn("several modules answered a single-answer request, keeping the first", logging.LogFields{
			"schema":  string(target),
			"answers": len(answers),
		})
	}
	return answers[0], nil
}

// Errors returns the messages of every Error result.
func Errors(results []*envelope.Envelope) []string {
	var msgs []string
	for _, env := range results {
		if msg, ok := envelope.AsError(env); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *Combiner) each(results []*envelope.Envelope, fn func(envelope.Payload)) {
	for _, env := range results {
		if env == nil || env.Payload == nil {
			continue
		}
		if msg, ok := envelope.AsError(env); ok {
			c.log.Error("module returned an error", nil, logging.LogFields{"message": msg})
			continue
		}
		fn(env.Payload)
	}
}
