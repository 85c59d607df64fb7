package ai

import (
	"context"
	"io"
)

// Transcriber turns recorded speech into text that is then sent like typed input.
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio io.Reader) (string, error)
}
