package chat

import (
	"context"
	"sync"
)

// StaticDirectory serves a fixed set of chatbots, for setups without a database.
type StaticDirectory struct {
	mu   sync.RWMutex
	bots map[string]ChatbotDescriptor
}

var _ ChatbotDirectory = (*StaticDirectory)(nil)

func NewStaticDirectory(bots ...ChatbotDescriptor) *StaticDirectory {
	d := &StaticDirectory{bots: make(map[string]ChatbotDescriptor, len(bots))}
	for _, b := range bots {
		d.bots[b.ID] = b
	}
	return d
}

func (d *StaticDirectory) Put(bot ChatbotDescriptor) {
	d.mu.Lock()
	d.bots[bot.ID] = bot
	d.mu.Unlock()
}

func (d *StaticDirectory) Get(_ context.Context, chatbotID string) (ChatbotDescriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bot, ok := d.bots[chatbotID]
	if !ok {
		return ChatbotDescriptor{}, ErrChatbotNotFound
	}
	return bot, nil
}
