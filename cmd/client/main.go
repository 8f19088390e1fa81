package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/remote"
	"github.com/agnivade/voicechat/turn"
)

func main() {
	def := turn.DefaultConfig()

	serverURL := flag.String("server", "http://localhost:8081", "Backend URL")
	user := flag.String("user", "", "User name (optional)")
	password := flag.String("password", "", "Backend password (defaults to VOICECHAT_PASSWORD)")
	chunkInterval := flag.Duration("chunk-interval", def.ChunkInterval, "Length of each recorded chunk")
	sampleInterval := flag.Duration("sample-interval", def.SampleInterval, "Loudness sampling interval")
	threshold := flag.Float64("threshold", def.LoudnessThreshold, "RMS level at or below which a sample counts as silent")
	maxSilent := flag.Int("max-silent-ticks", def.MaxSilentSamples, "Consecutive silent samples before recording stops")
	spendLimit := flag.Float64("spend-limit", 0, "Refuse to record once billed usage reaches this amount (0 disables)")
	echo := flag.Float64("echo-similarity", 0, "Ignore transcripts this similar to the last reply (0 disables)")
	logPath := flag.String("log", "voicechat-client.log", "Log file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	godotenv.Load()
	if *password == "" {
		*password = os.Getenv("VOICECHAT_PASSWORD")
	}

	zl, err := newLogger(*logPath, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zl.Sugar()

	if err := run(log, *serverURL, *user, *password, *spendLimit, turn.Config{
		ChunkInterval:     *chunkInterval,
		SampleInterval:    *sampleInterval,
		LoudnessThreshold: *threshold,
		MaxSilentSamples:  *maxSilent,
		MinChunks:         def.MinChunks,
		RemoteTimeout:     def.RemoteTimeout,
		MaxWarmupRetries:  def.MaxWarmupRetries,
		MaxRetryWait:      def.MaxRetryWait,
		EchoSimilarity:    *echo,
	}); err != nil {
		log.Errorw("Client failed", "error", err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger, serverURL, user, password string, spendLimit float64, cfg turn.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := remote.New(serverURL, log)
	if err != nil {
		return err
	}

	// Without a session the controller asks the user to sign in.
	if password != "" {
		loginCtx, loginCancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Login(loginCtx, user, password)
		if err == nil {
			err = client.Connect(loginCtx)
		}
		loginCancel()
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
		defer client.Close()
	}

	out := newBridge(log)
	ctrl := turn.New(cfg, turn.Deps{
		Recorder:    NewMicrophone(log),
		Transcriber: client,
		Completer:   client,
		Synthesizer: client,
		Session:     client,
		Player:      &Speaker{},
		Notifier:    out,
		Observer:    out.Observe,
		Log:         log,
	})

	spend := func(ctx context.Context) (float64, error) {
		u, err := client.Usage(ctx, time.Time{})
		return u.TotalBillable, err
	}
	program := tea.NewProgram(newModel(ctrl, spend, spendLimit, cfg.MaxSilentSamples), tea.WithContext(ctx))

	ctrlCtx, ctrlCancel := context.WithCancel(ctx)
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		ctrl.Run(ctrlCtx)
	}()
	go out.run(ctrlCtx, program.Send)

	_, err = program.Run()
	ctrlCancel()
	<-ctrlDone
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newLogger(path string, debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	// The terminal belongs to the UI.
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}
