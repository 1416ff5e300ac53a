package server

import (
	"context"

	"github.com/paulhenri/PKVS/internal/protocol"
	"github.com/paulhenri/PKVS/internal/storage"
)

// Handle executes one request and builds its response. Engine failures are
// reported as StatusError responses, never as errors.
func (d *Dispatcher) Handle(ctx context.Context, msg protocol.Message) protocol.Response {
	switch req := msg.(type) {
	case protocol.Set:
		err := d.Do(ctx, func(e storage.Engine) error {
			return e.Set(req.Key, req.Value)
		})
		if err != nil {
			return protocol.Errorf("%v", err)
		}
		return protocol.OK(protocol.PayloadOK)

	case protocol.Get:
		var (
			value string
			found bool
		)
		err := d.Do(ctx, func(e storage.Engine) error {
			var err error
			value, found, err = e.Get(req.Key)
			return err
		})
		if err != nil {
			return protocol.Errorf("%v", err)
		}
		if !found {
			return protocol.NotFound()
		}
		return protocol.OK(value)

	case protocol.Remove:
		err := d.Do(ctx, func(e storage.Engine) error {
			return e.Remove(req.Key)
		})
		if err != nil {
			return protocol.Errorf("%v", err)
		}
		return protocol.OK(protocol.PayloadOK)

	default:
		return protocol.Errorf("unexpected message")
	}
}
