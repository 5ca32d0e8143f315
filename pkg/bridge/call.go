package bridge

import (
	"context"
	"fmt"

	"github.com/morezero/webview-bridge/pkg/wire"
)

type callResult struct {
	value wire.Value
	err   error
}

// Call sends name and blocks until the reply arrives or ctx is done. On ctx
// expiry the pending call is forgotten, so a late reply is dropped as stale,
// and the error is a REQUEST_TIMEOUT wrapping ctx.Err().
func (b *Bridge) Call(ctx context.Context, name string, data wire.Value) (wire.Value, error) {
	done := make(chan callResult, 1)
	callID, err := b.send(name, data, func(result wire.Value, err error) {
		done <- callResult{value: result, err: err}
	})
	if err != nil {
		return wire.Null(), err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		b.mu.Lock()
		b.pending.discard(callID)
		b.mu.Unlock()
		// A reply settled before the discard is returned instead of the
		// timeout. One whose handler is still running loses the race and is
		// dropped with the channel.
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}
		return wire.Null(), &Error{
			Code:    CodeRequestTimeout,
			Message: fmt.Sprintf("no reply to %q", name),
			Cause:   ctx.Err(),
		}
	}
}
