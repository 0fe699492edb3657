package speech

import (
	"context"
	"errors"
	"fmt"
	"time"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"collectbot/internal/config"
)

func clientOptions(cfg config.SpeechConfig) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// Synthesizer turns text into LINEAR16 audio with Google Cloud Text-to-Speech.
type Synthesizer struct {
	client   *texttospeech.Client
	language string
	voice    string
	rate     float64
}

func NewSynthesizer(ctx context.Context, cfg config.SpeechConfig) (*Synthesizer, error) {
	client, err := texttospeech.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create text-to-speech client: %w", err)
	}
	rate := cfg.SpeakingRate
	if rate <= 0 {
		rate = 1
	}
	return &Synthesizer{
		client:   client,
		language: cfg.SynthesisLanguage,
		voice:    cfg.Voice,
		rate:     rate,
	}, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: s.language,
			Name:         s.voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_LINEAR16,
			SpeakingRate:  s.rate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	return resp.GetAudioContent(), nil
}

func (s *Synthesizer) Close() error {
	return s.client.Close()
}

// Recognizer transcribes LINEAR16 audio with Google Cloud Speech-to-Text long-running
// recognition.
type Recognizer struct {
	client     *gspeech.Client
	language   string
	model      string
	sampleRate int32
	channels   int32
	timeout    time.Duration
}

func NewRecognizer(ctx context.Context, cfg config.SpeechConfig) (*Recognizer, error) {
	client, err := gspeech.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	timeout := time.Duration(cfg.RecognizeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	channels := cfg.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	return &Recognizer{
		client:     client,
		language:   cfg.RecognitionLanguage,
		model:      cfg.RecognitionModel,
		sampleRate: cfg.SampleRateHertz,
		channels:   channels,
		timeout:    timeout,
	}, nil
}

// Recognize returns the top transcript of every result segment, in order.
func (r *Recognizer) Recognize(ctx context.Context, audio []byte) ([]string, error) {
	if len(audio) == 0 {
		return nil, errors.New("empty audio")
	}
	op, err := r.client.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:              speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:       r.sampleRate,
			LanguageCode:          r.language,
			Model:                 r.model,
			AudioChannelCount:     r.channels,
			EnableWordConfidence:  true,
			EnableWordTimeOffsets: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start recognition: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := op.Wait(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("wait for recognition: %w", err)
	}

	var transcripts []string
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		transcripts = append(transcripts, alternatives[0].GetTranscript())
	}
	return transcripts, nil
}

func (r *Recognizer) Close() error {
	return r.client.Close()
}
