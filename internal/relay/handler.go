// ABOUTME: Late-bound bridge.Handler used during relay assembly.
// ABOUTME: Lets a frontend be built before the router that serves it.

package relay

import (
	"context"
	"sync/atomic"

	"github.com/2389/coven-relay/internal/bridge"
)

// handlerSlot forwards to a handler installed after construction. The
// frontend needs a handler at build time, but the router needs the
// frontend's messenger first. Events arriving before set are dropped;
// frontends do not connect until Run, which happens after assembly.
type handlerSlot struct {
	h atomic.Pointer[bridge.Handler]
}

func (s *handlerSlot) set(h bridge.Handler) {
	s.h.Store(&h)
}

func (s *handlerSlot) HandleMessage(ctx context.Context, msg bridge.InboundMessage) {
	if h := s.h.Load(); h != nil {
		(*h).HandleMessage(ctx, msg)
	}
}

func (s *handlerSlot) HandleAction(ctx context.Context, act bridge.Action) {
	if h := s.h.Load(); h != nil {
		(*h).HandleAction(ctx, act)
	}
}
