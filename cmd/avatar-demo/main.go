// Command avatar-demo drives an interactive streaming-avatar session from
// the terminal: it starts a session, relays typed lines as talk tasks, and
// prints talking/listening state changes as they arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kinetic-ai/avatar-lite/internal/dotenv"
	avatar "github.com/kinetic-ai/avatar-lite/sdk"
	"github.com/kinetic-ai/avatar-lite/sdk/adapters/livekit"
)

const (
	defaultAvatarID = "Wayne_20240711"
	defaultLanguage = "en-US"
)

type demoConfig struct {
	APIKey   string
	BaseURL  string
	AvatarID string
	VoiceID  string
	Language string
	Greeting string
}

func parseDemoConfig(args []string, getenv func(string) string) (demoConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := demoConfig{}
	fs := flag.NewFlagSet("avatar-demo", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.APIKey, "api-key", strings.TrimSpace(getenv("AVATAR_API_KEY")), "avatar service api key (or AVATAR_API_KEY)")
	fs.StringVar(&cfg.BaseURL, "base-url", strings.TrimSpace(getenv("AVATAR_BASE_URL")), "avatar service base URL (empty for the default)")
	fs.StringVar(&cfg.AvatarID, "avatar", envOr(getenv, "AVATAR_ID", defaultAvatarID), "avatar to render")
	fs.StringVar(&cfg.VoiceID, "voice", strings.TrimSpace(getenv("AVATAR_VOICE_ID")), "synthesis voice id")
	fs.StringVar(&cfg.Language, "language", envOr(getenv, "AVATAR_LANGUAGE", defaultLanguage), "speech recognition language tag")
	fs.StringVar(&cfg.Greeting, "greeting", strings.TrimSpace(getenv("AVATAR_GREETING")), "optional greeting spoken once the session is ready")

	if err := fs.Parse(args); err != nil {
		return demoConfig{}, err
	}
	if err := validateDemoConfig(cfg); err != nil {
		return demoConfig{}, err
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func validateDemoConfig(cfg demoConfig) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("api key is required (set AVATAR_API_KEY or pass -api-key)")
	}
	if strings.TrimSpace(cfg.AvatarID) == "" {
		return errors.New("avatar must not be empty")
	}
	if strings.TrimSpace(cfg.Language) == "" {
		return errors.New("language must not be empty")
	}
	return nil
}

// parseTaskLine maps one input line to a task: a "/repeat " prefix asks for
// verbatim speech, everything else is a contextual talk task.
func parseTaskLine(line string) (text string, taskType avatar.TaskType) {
	if rest, ok := strings.CutPrefix(line, "/repeat "); ok {
		return strings.TrimSpace(rest), avatar.TaskTypeRepeat
	}
	return strings.TrimSpace(line), avatar.TaskTypeTalk
}

// statusSink reports media readiness on the terminal. The demo has no
// playback surface; the media stays subscribed so mute/video toggles have
// something to act on.
type statusSink struct {
	out io.Writer
}

func (s *statusSink) Bind(aggregate *avatar.MediaAggregate) {
	fmt.Fprintf(s.out, "[media] ready: %d audio, %d video track(s)\n",
		aggregate.Count(avatar.TrackKindAudio), aggregate.Count(avatar.TrackKindVideo))
}

func (s *statusSink) Unbind() {
	fmt.Fprintln(s.out, "[media] released")
}

func describeSnapshot(snap avatar.Snapshot) string {
	switch {
	case snap.Err != nil:
		return fmt.Sprintf("[session] %s: %v", snap.State, snap.Err)
	case snap.SessionReady && snap.Talking:
		return "[session] avatar talking"
	case snap.SessionReady && snap.Listening:
		return "[session] listening"
	default:
		return fmt.Sprintf("[session] %s", snap.State)
	}
}

func runDemo(ctx context.Context, cfg demoConfig, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if err := validateDemoConfig(cfg); err != nil {
		return err
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []avatar.ClientOption{avatar.WithLogger(logger)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, avatar.WithBaseURL(cfg.BaseURL))
	}
	client := avatar.NewClient(cfg.APIKey, clientOpts...)
	transport := livekit.New(livekit.WithLogger(logger))

	ctrl := avatar.NewSessionController(client, transport, &statusSink{out: out},
		avatar.WithAvatar(cfg.AvatarID),
		avatar.WithVoice(cfg.VoiceID),
		avatar.WithLanguage(cfg.Language),
		avatar.WithGreeting(cfg.Greeting),
		avatar.WithNotify(func(snap avatar.Snapshot) {
			fmt.Fprintln(out, describeSnapshot(snap))
		}),
	)
	defer func() {
		if err := ctrl.Close(context.Background()); err != nil {
			logger.Warn("close session", "error", err)
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintln(out, "type text to make the avatar speak; /repeat <text> for verbatim,")
	fmt.Fprintln(out, "/mute, /video, /quit to exit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case line == "/mute":
				muted := ctrl.ToggleMute()
				fmt.Fprintf(out, "[media] muted=%v\n", muted)
				continue
			case line == "/video":
				off := ctrl.ToggleVideo()
				fmt.Fprintf(out, "[media] video_off=%v\n", off)
				continue
			}

			text, taskType := parseTaskLine(line)
			if text == "" {
				continue
			}
			if err := ctrl.SendText(ctx, text, taskType); err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
			}
		}
	}
}

func runMain(ctx context.Context, args []string, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "avatar-demo: %v\n", err)
		return 1
	}

	cfg, err := parseDemoConfig(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "avatar-demo: %v\n", err)
		return 1
	}

	if err := runDemo(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintf(stderr, "avatar-demo: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stderr))
}
