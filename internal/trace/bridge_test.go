package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcert/backend/internal/events"
)

func TestBridgeFansOutAcrossPods(t *testing.T) {
	bus := events.NewLocalBus(nil)
	defer bus.Close()

	podA := NewStreamer(8, nil)
	podB := NewStreamer(8, nil)

	bridgeA, err := NewBridge(podA, bus, nil)
	require.NoError(t, err)
	defer bridgeA.Close()
	bridgeB, err := NewBridge(podB, bus, nil)
	require.NoError(t, err)
	defer bridgeB.Close()

	subA := podA.Subscribe("org-1")
	subB := podB.Subscribe("org-1")
	defer podA.Unsubscribe(subA)
	defer podB.Unsubscribe(subB)

	bridgeA.Publish(&Event{Type: EventTraceStarted, OrgID: "org-1", TraceID: "t1"})

	// The local subscriber sees it immediately; the remote one via the bus.
	select {
	case ev := <-subA.C:
		assert.Equal(t, "t1", ev.TraceID)
	case <-time.After(time.Second):
		t.Fatal("local subscriber missed the event")
	}
	select {
	case ev := <-subB.C:
		assert.Equal(t, "t1", ev.TraceID)
	case <-time.After(time.Second):
		t.Fatal("remote subscriber missed the event")
	}

	// The publishing pod skips its own bus frame, so no duplicate arrives.
	select {
	case ev := <-subA.C:
		t.Fatalf("duplicate event %s on publishing pod", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
