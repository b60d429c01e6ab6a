package events

import "github.com/conorfennell/tutorsync/internal/connectivity"

// ForwardConnectivity emits network.online and network.offline events for
// every transition of m. The returned function stops forwarding.
func ForwardConnectivity(m *connectivity.Monitor, n Notifier) func() {
	return m.Subscribe(func(t connectivity.Transition) {
		if t.Online {
			n.Notify(Event{Type: NetworkOnline, Message: "reconnected, syncing", Timestamp: t.At})
			return
		}
		n.Notify(Event{Type: NetworkOffline, Message: "working offline", Timestamp: t.At})
	})
}
