// Package openai implements the ai collaborator interfaces against the
// OpenAI API: Whisper for transcription, chat completions for replies and
// the speech endpoint for synthesis.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/echomatrix/echomatrix/internal/ai"
	"github.com/echomatrix/echomatrix/internal/audio"
)

// Provider talks to the OpenAI API and implements ai.Transcriber,
// ai.Responder and ai.Synthesizer.
type Provider struct {
	client          oai.Client
	transcribeModel string
	chatModel       string
	ttsModel        string
	ttsVoice        string
	systemPrompt    string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL; useful for
// self-hosted OpenAI-compatible servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Models names the three models the provider uses.
type Models struct {
	Transcribe string
	Chat       string
	TTS        string
	TTSVoice   string
}

// New constructs a Provider.
func New(apiKey string, models Models, systemPrompt string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if models.Transcribe == "" || models.Chat == "" || models.TTS == "" {
		return nil, fmt.Errorf("openai: all model names must be set")
	}

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:          oai.NewClient(reqOpts...),
		transcribeModel: models.Transcribe,
		chatModel:       models.Chat,
		ttsModel:        models.TTS,
		ttsVoice:        models.TTSVoice,
		systemPrompt:    systemPrompt,
	}, nil
}

// Transcribe sends the utterance as a WAV attachment to the transcription
// endpoint and returns the recognized text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate, sampleWidth int) (string, error) {
	var buf bytes.Buffer
	if err := audio.WriteWAVHeader(&buf, sampleRate, sampleWidth, uint32(len(pcm))); err != nil {
		return "", fmt.Errorf("%w: %v", ai.ErrCollaboratorFailed, err)
	}
	buf.Write(pcm)

	res, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.transcribeModel),
		File:  oai.File(bytes.NewReader(buf.Bytes()), "utterance.wav", "audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: transcription: %v", ai.ErrCollaboratorFailed, err)
	}
	return strings.TrimSpace(res.Text), nil
}

// Reply generates the agent's next line from the conversation history.
func (p *Provider) Reply(ctx context.Context, history []ai.Message) (string, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if p.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(p.systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case "caller":
			messages = append(messages, oai.UserMessage(m.Text))
		default:
			messages = append(messages, oai.AssistantMessage(m.Text))
		}
	}

	res, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.chatModel),
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("%w: chat completion: %v", ai.ErrCollaboratorFailed, err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("%w: chat completion returned no choices", ai.ErrCollaboratorFailed)
	}
	return strings.TrimSpace(res.Choices[0].Message.Content), nil
}

// Synthesize renders text to a mono s16le WAV at wavPath. The speech
// endpoint returns 24 kHz audio; it is resampled to sampleRate so the
// file can be streamed into a telephone call as-is.
func (p *Provider) Synthesize(ctx context.Context, text, wavPath string, sampleRate int) error {
	res, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.ttsModel),
		Voice:          oai.AudioSpeechNewParamsVoice(p.ttsVoice),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return fmt.Errorf("%w: speech synthesis: %v", ai.ErrCollaboratorFailed, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%w: reading synthesized audio: %v", ai.ErrCollaboratorFailed, err)
	}

	info, err := audio.ParseWAVHeader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: parsing synthesized wav: %v", ai.ErrCollaboratorFailed, err)
	}
	pcm := raw[info.DataOffset : info.DataOffset+int64(info.DataSize)]
	if int(info.SampleRate) != sampleRate {
		pcm = audio.Resample(pcm, int(info.SampleRate), sampleRate)
	}

	if err := audio.WriteWAVFile(wavPath, sampleRate, 2, pcm); err != nil {
		return fmt.Errorf("%w: writing wav: %v", ai.ErrCollaboratorFailed, err)
	}
	return nil
}
