package alwaysoffline

import (
	"context"

	"github.com/always-cache/always-offline/cache"

	perrors "github.com/jmgilman/go/errors"
)

type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageCacheURLs   MessageType = "CACHE_URLS"
)

// Message is sent to the worker by a client.
type Message struct {
	Type    MessageType `json:"type"`
	Payload []string    `json:"payload,omitempty"`
}

// Reply answers a CACHE_URLS message.
type Reply struct {
	Success bool                   `json:"success"`
	Error   *perrors.ErrorResponse `json:"error,omitempty"`
}

// MessagePort carries replies back to the sender of a message.
// It should be buffered, see PostMessage.
type MessagePort chan Reply

// PostMessage delivers the reply without blocking.
// A reply nobody is waiting for is dropped.
func (p MessagePort) PostMessage(reply Reply) bool {
	select {
	case p <- reply:
		return true
	default:
		return false
	}
}

// HandleMessage is the message event.
// Replies are posted on the first port, asynchronously.
// Unknown message types are ignored.
func (w *Worker) HandleMessage(ctx context.Context, msg Message, ports ...MessagePort) {
	switch msg.Type {
	case MessageSkipWaiting:
		w.log.Info().Msg("Skip waiting requested")
		w.SkipWaiting()
	case MessageCacheURLs:
		if msg.Payload == nil {
			err := perrors.New(perrors.CodeInvalidInput, "CACHE_URLS without a payload")
			w.log.Warn().Err(err).Msg("Invalid message")
			if len(ports) > 0 && ports[0] != nil {
				ports[0].PostMessage(Reply{Success: false, Error: perrors.ToJSON(err)})
			}
			return
		}
		urls := append([]string{}, msg.Payload...)
		// the reply outlives the sender's request
		ctx := context.WithoutCancel(ctx)
		w.lifetime.WaitUntil(func(context.Context) error {
			reply := w.cacheURLs(ctx, urls)
			if len(ports) > 0 && ports[0] != nil {
				if !ports[0].PostMessage(reply) {
					w.log.Warn().Msg("Reply dropped, nobody listening")
				}
			}
			return nil
		})
	default:
		w.log.Trace().Str("type", string(msg.Type)).Msg("Ignoring unknown message")
	}
}

func (w *Worker) cacheURLs(ctx context.Context, urls []string) Reply {
	var partition cache.Partition
	var err error
	if w.State() == StateRedundant {
		err = perrors.New(perrors.CodeUnavailable, "worker is redundant")
	} else if partition, err = w.storage.Open(ctx, w.options.DynamicCache); err != nil {
		err = perrors.Wrapf(err, perrors.CodeDatabase, "opening %s", w.options.DynamicCache)
	} else {
		err = w.addAll(ctx, partition, urls)
	}
	if err != nil {
		w.log.Error().Err(err).Msg("Error caching URLs")
		return Reply{Success: false, Error: perrors.ToJSON(err)}
	}
	w.log.Debug().Str("cache", w.options.DynamicCache).Msgf("Cached %d URLs", len(urls))
	return Reply{Success: true}
}
