package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeswarm/internal/domain"
)

func msg(from, to string, seq int) domain.AgentMessage {
	return domain.AgentMessage{
		ID:   fmt.Sprintf("%s-%s-%d", from, to, seq),
		From: from,
		To:   to,
		Type: domain.MessageTypeRequest,
	}
}

func TestSendUnknownDestination(t *testing.T) {
	b := New(4)
	err := b.Send(msg("a", "ghost", 0))
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestSendPreservesOrderPerPair(t *testing.T) {
	b := New(16)
	inbox := b.Register("dst")

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(msg("src", "dst", i)))
	}
	for i := 0; i < 10; i++ {
		got := <-inbox
		require.Equal(t, fmt.Sprintf("src-dst-%d", i), got.ID)
	}
}

func TestSendQueueFull(t *testing.T) {
	b := New(2)
	b.Register("dst")

	require.NoError(t, b.Send(msg("src", "dst", 0)))
	require.NoError(t, b.Send(msg("src", "dst", 1)))
	require.ErrorIs(t, b.Send(msg("src", "dst", 2)), ErrQueueFull)
}

func TestRegisterIsStable(t *testing.T) {
	b := New(4)
	first := b.Register("dst")
	second := b.Register("dst")
	require.Equal(t, first, second)
}

func TestUnregisterClosesInbox(t *testing.T) {
	b := New(4)
	inbox := b.Register("dst")
	b.Unregister("dst")

	_, open := <-inbox
	require.False(t, open)
	require.ErrorIs(t, b.Send(msg("src", "dst", 0)), ErrNotRegistered)
}

func TestSendConcurrentWithUnregister(t *testing.T) {
	b := New(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			inbox := b.Register("dst")
			// Drain so senders keep hitting the enqueue path.
			select {
			case <-inbox:
			default:
			}
			b.Unregister("dst")
		}
	}()

	// Sends may fail with ErrNotRegistered or ErrQueueFull while the
	// destination churns; they must never panic on a closed channel.
	for i := 0; i < 5000; i++ {
		_ = b.Send(msg("src", "dst", i))
	}
	<-done
}

func TestObserverSeesDeliveredOnly(t *testing.T) {
	b := New(1)
	b.Register("dst")

	var seen []string
	b.Observe(func(m domain.AgentMessage) { seen = append(seen, m.ID) })

	require.NoError(t, b.Send(msg("src", "dst", 0)))
	require.Error(t, b.Send(msg("src", "dst", 1))) // queue full, not observed
	require.Error(t, b.Send(msg("src", "ghost", 2)))

	require.Equal(t, []string{"src-dst-0"}, seen)
}
