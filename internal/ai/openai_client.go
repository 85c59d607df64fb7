package ai

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Transcriber = (*OpenAIClient)(nil)

func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return NewOpenAIClientWithConfig(openai.DefaultConfig(apiKey), model)
}

func NewOpenAIClientWithConfig(cfg openai.ClientConfig, model string) *OpenAIClient {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *OpenAIClient) Transcribe(ctx context.Context, fileName string, audio io.Reader) (string, error) {
	if fileName == "" {
		// the API infers the audio format from the extension
		fileName = "voice.webm"
	}
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: fileName,
		Reader:   audio,
	})
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("transcription failed")
		return "", errors.Wrap(err, "openai transcription")
	}

	text := strings.TrimSpace(resp.Text)
	log.Debug().Int("chars", len(text)).Msg("transcription done")
	return text, nil
}
