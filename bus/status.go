package bus

import (
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// ConnectionStatus is the single source of truth for the push channel state.
// It is created disconnected at process start and only ever mutated through
// connection_status events.
type ConnectionStatus struct {
	Connected         bool   `json:"connected"`
	Identity          string `json:"id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Error             string `json:"error,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// StatusStore tracks the latest ConnectionStatus from the bus so any consumer
// can read it without holding its own subscription.
type StatusStore struct {
	logger *log.Logger
	sub    *Subscription

	mu  sync.Mutex
	cur ConnectionStatus
}

// NewStatusStore subscribes the store to connection_status events on b.
func NewStatusStore(b *Bus, logger *log.Logger) *StatusStore {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &StatusStore{logger: logger}
	s.sub = b.Subscribe(domain.EventConnectionStatus, s.apply)
	return s
}

func (s *StatusStore) apply(payload []byte) {
	var status ConnectionStatus
	if err := sonic.Unmarshal(payload, &status); err != nil {
		s.logger.Errorf("status store: decode connection_status: %v", err)
		return
	}
	s.mu.Lock()
	s.cur = status
	s.mu.Unlock()
}

// Status returns a snapshot of the current connection state.
func (s *StatusStore) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Close releases the store's bus subscription.
func (s *StatusStore) Close() {
	s.sub.Cancel()
}
