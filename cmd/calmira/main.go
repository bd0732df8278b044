// Calmira - interactive de-escalation training over the OpenAI Realtime API
// Push-to-talk from the terminal: Enter toggles recording, the coach replies
// with voice and a graded evaluation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/calmira-ai/go-calmira/internal/env"
	"github.com/calmira-ai/go-calmira/pkg/audioio"
	"github.com/calmira-ai/go-calmira/pkg/feedback"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
	"github.com/calmira-ai/go-calmira/pkg/relay"
	"github.com/calmira-ai/go-calmira/pkg/trainer"
)

var version = "1.0.0"

func main() {
	env.Load()
	cfg, relayURL := parseFlags()

	logger := newLogger(cfg.Debug)
	slog.SetDefault(logger)
	cfg.Logger = logger

	fmt.Println()
	fmt.Println("🎓 Calmira v" + version)
	fmt.Println("   De-escalation training session")
	fmt.Println()

	if relayURL != "" {
		speechURL, err := relay.SpeechURL(relayURL)
		if err != nil {
			log.Fatalf("❌ Invalid relay URL: %v", err)
		}
		cfg.Dial = func(ctx context.Context, _ realtime.Config) (realtime.Session, error) {
			return relay.Dial(ctx, relay.ClientConfig{
				URL:             speechURL,
				FeedbackTimeout: cfg.FeedbackTimeout,
				Logger:          logger,
			})
		}
		fmt.Printf("   Relay: %s\n", speechURL)
	}

	cfg.OnStatus = func(status string) {
		fmt.Printf("▸ %s\n", status)
	}
	cfg.OnTranscriptDelta = func(delta string) {
		fmt.Print(delta)
	}
	cfg.OnTranscript = func(string) {
		fmt.Println()
	}
	cfg.OnFeedback = func(fb feedback.TrainingFeedback) {
		fmt.Printf("\n📊 Grade: %s\n", fb.GradeDisplay())
	}

	sess, err := trainer.New(cfg)
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		log.Fatalf("❌ Start failed: %v", err)
	}
	defer sess.Close()

	if sc, ok := trainer.ScenarioByID(cfg.ScenarioID); ok && cfg.Instructions == "" {
		fmt.Printf("   Scenario: %s (%s, %s)\n", sc.Title, sc.Difficulty, sc.Duration)
	}
	fmt.Println("   Press Enter to start and stop recording. Ctrl+C exits.")
	fmt.Println()

	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- struct{}{}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n👋 Session ended")
			return
		case _, ok := <-lines:
			if !ok {
				return
			}
			toggleRecording(sess)
		}
	}
}

func toggleRecording(sess *trainer.Session) {
	if sess.IsRecording() {
		if err := sess.StopRecording(); err != nil {
			log.Printf("⚠️  Stop recording: %v", err)
		}
		return
	}
	if err := sess.StartRecording(); err != nil {
		log.Printf("⚠️  Start recording: %v", err)
	}
}

// parseFlags parses command line flags and returns the session configuration
// plus the optional relay base URL.
func parseFlags() (trainer.Config, string) {
	cfg := trainer.DefaultConfig()

	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	scenario := flag.String("scenario", cfg.ScenarioID, "Training scenario: agitated_customer, workplace_conflict, public_disturbance")
	voice := flag.String("voice", cfg.Voice, "Coach voice")
	model := flag.String("model", cfg.Model, "Realtime model")
	backend := flag.String("backend", string(audioio.BackendAuto), "Audio backend: auto, portaudio, mock")
	relayURL := flag.String("relay", "", "Relay server URL (proxies the session instead of connecting directly)")
	endpoint := flag.String("token-endpoint", "", "Token mint URL (connects over WebRTC with an ephemeral token)")
	flag.Parse()

	cfg.Debug = *debug
	cfg.ScenarioID = *scenario
	cfg.Voice = *voice
	cfg.Model = *model
	cfg.Audio.Backend = audioio.Backend(*backend)
	if *endpoint != "" {
		cfg.TokenEndpoint = *endpoint
	}
	return cfg, *relayURL
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
