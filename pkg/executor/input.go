package executor

import (
	"context"
	"encoding/json"
	"time"

	"dfm/pkg/broker"
	"dfm/pkg/provider"
)

// inputKey is the per-downstream-node, per-port value buffer named in the
// normative keyspace: input:<request_id>:<downstream_id>:<port>.
func inputKey(requestID, downstreamID string, port int) string {
	return "input:" + requestID + ":" + downstreamID + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// writeInput appends a yielded value to downstream's port buffer and
// wakes any blocked reader, giving the producer side of the streaming
// contract described in spec.md §4.3 step 6(c).
func writeInput(ctx context.Context, b *broker.Client, requestID, downstreamID string, port int, item provider.Item) error {
	encoded, err := json.Marshal(wireItem{Value: item.Value, Err: errString(item.Err)})
	if err != nil {
		return err
	}
	key := inputKey(requestID, downstreamID, port)
	if err := b.ListAppend(ctx, key, encoded); err != nil {
		return err
	}
	return b.Publish(ctx, key+":wake", "1")
}

// closeInput marks downstream's port buffer complete: no more values will
// ever be appended. Unary/n-ary readers use this to know when to stop
// waiting instead of blocking forever.
func closeInput(ctx context.Context, b *broker.Client, requestID, downstreamID string, port int) error {
	key := inputKey(requestID, downstreamID, port)
	if err := b.StringSet(ctx, key+":closed", "1", 0); err != nil {
		return err
	}
	return b.Publish(ctx, key+":wake", "1")
}

// readInputStream returns a channel replaying downstream's port buffer in
// append order as it fills, closing the channel once the producer has
// called closeInput and every buffered value has been delivered. The
// poll-list-then-wait-on-wake-or-closed-flag shape mirrors
// pkg/cache.FingerprintCache's WaitSealed pattern.
func readInputStream(ctx context.Context, b *broker.Client, requestID, downstreamID string, port int) <-chan provider.Item {
	out := make(chan provider.Item)
	key := inputKey(requestID, downstreamID, port)

	go func() {
		defer close(out)
		var cursor int64

		for {
			vals, err := b.ListRange(ctx, key, cursor, -1)
			if err != nil {
				out <- provider.Item{Err: err}
				return
			}
			for _, raw := range vals {
				var wi wireItem
				if err := json.Unmarshal(raw, &wi); err != nil {
					out <- provider.Item{Err: err}
					return
				}
				item := provider.Item{Value: wi.Value}
				if wi.Err != "" {
					item.Err = errFromString(wi.Err)
				}
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
				cursor++
				if item.Err != nil {
					return
				}
			}

			closedStr, closed, err := b.StringGet(ctx, key+":closed")
			_ = closedStr
			if err != nil {
				out <- provider.Item{Err: err}
				return
			}
			if closed && len(vals) == 0 {
				return
			}

			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			sub := b.Subscribe(waitCtx, key+":wake")
			select {
			case <-sub.Channel():
			case <-waitCtx.Done():
			}
			sub.Close()
			cancel()
		}
	}()

	return out
}

// wireItem is the JSON encoding of a provider.Item on the broker's input
// lists; errors are carried as plain strings since the broker keyspace is
// JSON, not Go error values.
type wireItem struct {
	Value any    `json:"value,omitempty"`
	Err   string `json:"err,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type inputError string

func (e inputError) Error() string { return string(e) }

func errFromString(s string) error { return inputError(s) }
