package speech

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"collectbot/internal/config"
)

// Talks to Google Cloud; needs credentials and RUN_SPEECH_INTEGRATION=true.
func TestSynthesizeThenRecognize(t *testing.T) {
	if os.Getenv("RUN_SPEECH_INTEGRATION") != "true" {
		t.Skip("set RUN_SPEECH_INTEGRATION=true to run Google speech integration test")
	}
	cfg := config.Default().Speech
	cfg.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_VERTEX_AI_CREDENTIALS")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	synth, err := NewSynthesizer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	defer synth.Close()
	rec, err := NewRecognizer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	defer rec.Close()

	audio, err := synth.Synthesize(ctx, "Hola, su cuota vence mañana.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) == 0 {
		t.Fatalf("empty audio")
	}
	parts, err := rec.Recognize(ctx, audio)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if strings.TrimSpace(strings.Join(parts, " ")) == "" {
		t.Fatalf("empty transcript")
	}
}
