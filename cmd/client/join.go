package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"voicechat/internal/client"
	"voicechat/internal/core/domain"
	"voicechat/internal/infrastructure/monitoring"
	"voicechat/pkg/config"
	"voicechat/pkg/logger"
	"voicechat/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagUsername       string
	flagRoom           string
	flagCapture        string
	flagOutDir         string
	flagRequireGesture bool
	flagMetricsAddr    string
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a voice room",
	Long: `Join a voice room and stay in it until /quit or Ctrl+C.

Commands while joined:
  /room <name>  switch to another room
  /mute         toggle the microphone
  /quit         leave and exit
  <enter>       counts as a user gesture and starts blocked playback

Examples:
  voicechat join -u alice -r General -c mic.ogg
  voicechat join -u bob -r Games -c mic.ogg --require-gesture`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context())
	},
}

func runJoin(parent context.Context) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	zapLogger, err := logger.New(flagLogLevel, "console")
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := os.MkdirAll(flagOutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", flagOutDir, err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics client.Metrics
	if flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = monitoring.NewPrometheusCollector(reg)
		go serveMetrics(ctx, flagMetricsAddr, reg, log)
	}

	capture, err := client.NewOggCapture(flagCapture, log)
	if err != nil {
		return err
	}
	gate := client.NewGestureGate()
	playback := client.NewOggPlayback(flagOutDir, gate, flagRequireGesture || cfg.Client.RequireGesture, log)
	device := client.NewORTCDevice(iceServers(cfg), log)

	signaler, err := client.DialSignaler(ctx, client.SignalerConfig{
		URL:               cfg.Client.ServerURL,
		ResponseTimeout:   cfg.Client.ResponseTimeout,
		ConnectTimeout:    cfg.Client.ConnectTimeout,
		ReconnectAttempts: cfg.Client.ReconnectAttempts,
		ReconnectDelay:    cfg.Client.ReconnectDelay,
	}, log)
	if err != nil {
		_ = capture.Close()
		return err
	}

	disconnected := make(chan struct{})
	printer := &eventPrinter{self: utils.SanitizeString(flagUsername), disconnected: disconnected}
	opts := []client.Option{client.WithObserver(printer.print)}
	if metrics != nil {
		opts = append(opts, client.WithMetrics(metrics))
	}
	orch := client.New(client.ConfigFrom(cfg.Client), signaler, device, capture, playback, gate, log, opts...)
	defer func() {
		if err := orch.Close(); err != nil {
			log.Warnw("close failed", "error", err)
		}
	}()

	username := utils.SanitizeString(flagUsername)
	if err := orch.Join(ctx, username, domain.RoomName(flagRoom)); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("bye")
			return nil
		case <-disconnected:
			return errors.New("connection to the server was lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, orch, line)
			if err != nil {
				fmt.Println("!", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, orch *client.Orchestrator, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case utils.IsEmpty(line):
		if n := orch.Gesture(); n > 0 {
			fmt.Printf("* started %d blocked stream(s)\n", n)
		}
	case line == "/quit":
		return true, nil
	case line == "/mute":
		if orch.ToggleMute() {
			fmt.Println("* microphone muted")
		} else {
			fmt.Println("* microphone live")
		}
	case strings.HasPrefix(line, "/room"):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/room"))
		if name == "" {
			fmt.Printf("* in %s\n", orch.Room())
			return false, nil
		}
		switchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return false, orch.SwitchRoom(switchCtx, domain.RoomName(name))
	default:
		return false, fmt.Errorf("unknown command %q", line)
	}
	return false, nil
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server failed", "addr", addr, "error", err)
	}
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, s := range cfg.Engine.ICEServers {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	if len(out) == 0 {
		out = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return out
}

type eventPrinter struct {
	self         string
	disconnected chan struct{}
	once         sync.Once
}

func (p *eventPrinter) print(e client.Event) {
	switch e.Kind {
	case client.EventJoined:
		fmt.Printf("* joined %s: %s\n", e.Room, strings.Join(e.Users, ", "))
	case client.EventLeft:
		if e.Err != nil {
			fmt.Printf("* left %s: %v\n", e.Room, e.Err)
			return
		}
		fmt.Printf("* left %s\n", e.Room)
	case client.EventUserJoined:
		fmt.Printf("+ %s joined %s\n", e.Username, e.Room)
	case client.EventUserLeft:
		fmt.Printf("- %s left %s\n", e.Username, e.Room)
	case client.EventSpeaking:
		if e.Username == p.self {
			return
		}
		if e.Speaking {
			fmt.Printf("~ %s is speaking\n", e.Username)
		}
	case client.EventMuted:
		state := "unmuted"
		if e.Muted {
			state = "muted"
		}
		fmt.Printf("* %s %s\n", e.Username, state)
	case client.EventConsumerReady:
		fmt.Printf("* receiving %s\n", e.ProducerID)
	case client.EventConsumerFailed:
		fmt.Printf("! could not receive %s: %v\n", e.ProducerID, e.Err)
	case client.EventGestureRequired:
		fmt.Println("* press enter to start playback")
	case client.EventDisconnected:
		fmt.Printf("! disconnected: %v\n", e.Err)
		p.once.Do(func() { close(p.disconnected) })
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "Display name in the room")
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "General", "Room to join")
	joinCmd.Flags().StringVarP(&flagCapture, "capture", "c", "", "Ogg/Opus file used as the microphone")
	joinCmd.Flags().StringVarP(&flagOutDir, "out", "o", "received", "Directory for received audio")
	joinCmd.Flags().BoolVar(&flagRequireGesture, "require-gesture", false, "Hold playback until enter is pressed")
	joinCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve client metrics on this address")
	_ = joinCmd.MarkFlagRequired("username")
	_ = joinCmd.MarkFlagRequired("capture")
}
