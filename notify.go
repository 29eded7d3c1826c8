package inbox

import "sync"

// notifier hands out per-tenant wakeup channels. A channel is closed on the
// next broadcast for its tenant and a fresh one is handed out afterwards.
type notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{chans: make(map[string]chan struct{})}
}

func (n *notifier) wait(tenantID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.chans[tenantID]
	if !ok {
		ch = make(chan struct{})
		n.chans[tenantID] = ch
	}
	return ch
}

func (n *notifier) broadcast(tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.chans[tenantID]; ok {
		close(ch)
		delete(n.chans, tenantID)
	}
}

// broadcastAll wakes every waiter. Used on shutdown.
func (n *notifier) broadcastAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.chans {
		close(ch)
		delete(n.chans, id)
	}
}
