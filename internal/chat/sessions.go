package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

// DefaultSessionIdleTTL is how long an unused session stays in memory.
const DefaultSessionIdleTTL = 30 * time.Minute

type SessionOptions struct {
	Webhook WebhookOptions
	Clock   clock.Clock
	// IdleTTL evicts sessions not used for that long; DefaultSessionIdleTTL when zero.
	IdleTTL time.Duration
	// ImageCapacity bounds the images held per session; DefaultImageCapacity when zero.
	ImageCapacity int
}

// Sessions hands out one Orchestrator per (chatbot, user) pair. Every
// session gets its own WebhookClient so the video indicator is per
// conversation, while the response cache stays shared. Idle sessions are
// evicted by Sweep; their conversations reload from the store on next use.
type Sessions struct {
	directory ChatbotDirectory
	store     ConversationStore
	webhook   WebhookOptions
	clock     clock.Clock
	idleTTL   time.Duration
	imageCap  int

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	o        *Orchestrator
	lastUsed time.Time
}

func NewSessions(directory ChatbotDirectory, store ConversationStore, opts SessionOptions) *Sessions {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	webhook := opts.Webhook
	if webhook.Cache == nil {
		webhook.Cache = NewResponseCache(DefaultCacheCapacity)
	}
	if webhook.Clock == nil {
		webhook.Clock = c
	}
	ttl := opts.IdleTTL
	if ttl <= 0 {
		ttl = DefaultSessionIdleTTL
	}
	return &Sessions{
		directory: directory,
		store:     store,
		webhook:   webhook,
		clock:     c,
		idleTTL:   ttl,
		imageCap:  opts.ImageCapacity,
		sessions:  map[string]*session{},
	}
}

// Get returns the loaded orchestrator for the pair, creating it on first use.
func (s *Sessions) Get(ctx context.Context, chatbotID, userID string) (*Orchestrator, error) {
	key := ownerKey(chatbotID, userID)

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		sess.lastUsed = s.clock.Now()
	}
	s.mu.Unlock()
	if !ok {
		bot, err := s.directory.Get(ctx, chatbotID)
		if err != nil {
			return nil, err
		}
		created := NewOrchestrator(OrchestratorDeps{
			Chatbot:       bot,
			UserID:        userID,
			Webhook:       NewWebhookClient(s.webhook),
			Store:         s.store,
			Streamer:      NewStreamer(s.clock),
			Clock:         s.clock,
			ImageCapacity: s.imageCap,
		})

		s.mu.Lock()
		if sess, ok = s.sessions[key]; !ok {
			sess = &session{o: created}
			s.sessions[key] = sess
		}
		sess.lastUsed = s.clock.Now()
		s.mu.Unlock()
	}

	if err := sess.o.Load(ctx); err != nil {
		return nil, err
	}
	return sess.o, nil
}

// Sweep evicts sessions idle for longer than the TTL and releases their
// images. Sessions with an exchange in flight are kept.
func (s *Sessions) Sweep() int {
	cutoff := s.clock.Now().Add(-s.idleTTL)

	s.mu.Lock()
	var evicted []*Orchestrator
	for key, sess := range s.sessions {
		if sess.lastUsed.After(cutoff) || sess.o.Busy() {
			continue
		}
		delete(s.sessions, key)
		evicted = append(evicted, sess.o)
	}
	s.mu.Unlock()

	for _, o := range evicted {
		o.Release()
	}
	if len(evicted) > 0 {
		log.Debug().Int("evicted", len(evicted)).Msg("idle chat sessions evicted")
	}
	return len(evicted)
}

// Run sweeps every interval until ctx ends.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if err := s.clock.Sleep(ctx, interval); err != nil {
			return nil
		}
		s.Sweep()
	}
}

// Len is the number of sessions held in memory.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Conversation fetches any conversation record by id, current or not.
func (s *Sessions) Conversation(ctx context.Context, id string) (Conversation, error) {
	return s.store.Get(ctx, id)
}
