package chat

import (
	"context"
	"strings"
	"time"

	"github.com/Vovarama1992/dashboard-chat/internal/clock"
)

const (
	minRevealDelay = 30 * time.Millisecond
	maxRevealDelay = 120 * time.Millisecond
)

// Streamer reveals an already received reply one word per tick.
type Streamer struct {
	clock clock.Clock
}

func NewStreamer(c clock.Clock) *Streamer {
	if c == nil {
		c = clock.Real{}
	}
	return &Streamer{clock: c}
}

// RevealDelay is the pause between two revealed words. Longer replies reveal slightly faster.
func RevealDelay(wordCount int) time.Duration {
	ms := 80 - float64(wordCount)/15
	d := time.Duration(ms * float64(time.Millisecond))
	if d < minRevealDelay {
		return minRevealDelay
	}
	if d > maxRevealDelay {
		return maxRevealDelay
	}
	return d
}

// Reveal calls emit with a growing prefix of final and finally with final itself.
// When ctx is canceled it stops and returns the context error; text already
// emitted stays as it is.
func (s *Streamer) Reveal(ctx context.Context, final string, emit func(partial string)) error {
	words := strings.Fields(final)
	delay := RevealDelay(len(words))

	var b strings.Builder
	for i, w := range words {
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return err
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		emit(b.String())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// the joined words drop original spacing and newlines
	emit(final)
	return nil
}
