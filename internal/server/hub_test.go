package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkey/fleetkey/internal/notify"
)

func TestHub(t *testing.T) {
	t.Run("broadcast reaches every subscriber", func(t *testing.T) {
		hub := NewHub()
		ch1, cancel1 := hub.Subscribe()
		ch2, cancel2 := hub.Subscribe()
		defer cancel1()
		defer cancel2()

		assert.Equal(t, 2, hub.Len())

		sig := notify.NewSignal()
		hub.Broadcast(sig)

		got1 := <-ch1
		got2 := <-ch2
		assert.Equal(t, sig.ID, got1.ID)
		assert.Equal(t, sig.ID, got2.ID)
	})

	t.Run("cancel unregisters and closes the channel", func(t *testing.T) {
		hub := NewHub()
		ch, cancel := hub.Subscribe()

		cancel()

		assert.Zero(t, hub.Len())
		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("cancel twice is safe", func(t *testing.T) {
		hub := NewHub()
		_, cancel := hub.Subscribe()

		cancel()
		cancel()

		assert.Zero(t, hub.Len())
	})

	t.Run("slow subscriber drops instead of blocking", func(t *testing.T) {
		hub := NewHub()
		ch, cancel := hub.Subscribe()
		defer cancel()

		for i := 0; i < clientBuffer+10; i++ {
			hub.Broadcast(notify.NewSignal())
		}

		assert.Len(t, ch, clientBuffer)
		require.NotPanics(t, func() {
			hub.Broadcast(notify.NewSignal())
		})
	})

	t.Run("broadcast with no subscribers", func(t *testing.T) {
		hub := NewHub()
		assert.NotPanics(t, func() {
			hub.Broadcast(notify.NewSignal())
		})
	})
}
