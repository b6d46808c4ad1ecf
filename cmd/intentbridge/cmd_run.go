package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"intentbridge/internal/articulation"
	"intentbridge/internal/bridge"
	"intentbridge/internal/config"
	"intentbridge/internal/protocol"
	"intentbridge/internal/transcript"
)

var (
	runSubject      string
	runSnapshotFile string
	runTick         time.Duration
	runDrainTimeout time.Duration
	runTrace        bool
	runWatch        bool
	runPrewarm      bool
)

// runCmd reads utterances from stdin and prints parsed intents to stdout.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bridge stdin utterances to the worker and print parsed intents",
	Long: `Reads one utterance per line from stdin. Each line is queued with the current
contents of --snapshot-file as the situation snapshot. A line of the form
"name: text" addresses the agent "name"; other lines go to --subject.

Every tick, finished answers are parsed and printed to stdout as one JSON
object per line. On EOF the command waits for outstanding requests, then shuts
the worker down.`,
	RunE: runBridge,
}

func init() {
	runCmd.Flags().StringVar(&runSubject, "subject", "npc", "Default agent name")
	runCmd.Flags().StringVar(&runSnapshotFile, "snapshot-file", "", "File holding the situation snapshot (re-read per utterance)")
	runCmd.Flags().DurationVar(&runTick, "tick", 100*time.Millisecond, "Response polling interval")
	runCmd.Flags().DurationVar(&runDrainTimeout, "drain-timeout", 2*time.Minute, "How long to wait for outstanding requests after EOF")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "Print dispatch spans to stderr")
	runCmd.Flags().BoolVar(&runWatch, "watch", true, "Reload the settings file when it changes")
	runCmd.Flags().BoolVar(&runPrewarm, "prewarm", true, "Load the model before the first utterance")
}

// intentLine is the JSON printed for each applied intent.
type intentLine struct {
	Subject  string   `json:"subject"`
	Speech   string   `json:"speech"`
	Actions  []string `json:"actions"`
	Target   string   `json:"target,omitempty"`
	Method   string   `json:"method"`
	Warnings []string `json:"warnings,omitempty"`
}

// printer writes applied intents as JSON lines.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) Apply(subject protocol.Subject, intent *articulation.ParsedIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(intentLine{
		Subject:  subject.Name,
		Speech:   intent.Speech,
		Actions:  intent.Keywords(),
		Target:   intent.Target,
		Method:   string(intent.Method),
		Warnings: intent.Warnings,
	}); err != nil {
		logger.Warn("failed to print intent", zap.Error(err))
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var provider config.Provider = config.NewStatic(settings)
	if runWatch {
		fp, err := config.NewFileProvider(configPath)
		if err != nil {
			return err
		}
		if err := fp.Start(ctx); err != nil {
			logger.Warn("settings watch disabled", zap.Error(err))
		} else {
			defer fp.Stop()
		}
		provider = fp
	}

	if runTrace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	recorder, err := transcript.Open(settings.Transcript, settings.BaseDir())
	if err != nil {
		return err
	}
	defer recorder.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b := bridge.New(provider,
		bridge.WithRegisterer(registry),
		bridge.WithTranscript(recorder),
	)
	if err := b.Start(); err != nil {
		return err
	}
	logger.Info("bridge started",
		zap.String("bridge", b.ID()),
		zap.String("session", recorder.Session()),
		zap.String("device", settings.Worker.Device))
	if runPrewarm {
		b.Prewarm()
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	out := &printer{enc: json.NewEncoder(os.Stdout)}
	g, gctx := errgroup.WithContext(ctx)

	if settings.Metrics.Enabled {
		srv := &http.Server{
			Addr:              settings.Metrics.Listen,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return pump(gctx, b, lines, out)
	})

	err = g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if serr := b.Stop(stopCtx); serr != nil {
		logger.Warn("bridge stop", zap.Error(serr))
	}
	b.ProcessResponses(out)

	stats := b.Parser().GetStats()
	logger.Info("bridge finished",
		zap.Int("parsed", stats.TotalProcessed),
		zap.Int("lenient", stats.LenientParses),
		zap.Int("failures", stats.Failures))
	return err
}

// pump queues incoming utterances and applies answers every tick until
// stdin is exhausted and nothing is pending, or ctx ends.
func pump(ctx context.Context, b *bridge.Bridge, lines <-chan string, out bridge.Applier) error {
	ticker := time.NewTicker(runTick)
	defer ticker.Stop()

	var drainDeadline time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				drainDeadline = time.Now().Add(runDrainTimeout)
				continue
			}
			subject, utterance := splitAddressee(line)
			if utterance == "" {
				continue
			}
			snapshot, err := readSnapshot()
			if err != nil {
				return err
			}
			id, err := b.Enqueue(subject, bridge.Input{Utterance: utterance, Snapshot: snapshot})
			if err != nil {
				logger.Warn("enqueue failed", zap.String("subject", subject.Name), zap.Error(err))
				continue
			}
			logger.Debug("queued", zap.String("id", id), zap.String("subject", subject.Name))

		case <-ticker.C:
			b.ProcessResponses(out)
			if lines == nil {
				if b.Pending() == 0 {
					b.ProcessResponses(out)
					return nil
				}
				if time.Now().After(drainDeadline) {
					return fmt.Errorf("%d request(s) still pending after %v", b.Pending(), runDrainTimeout)
				}
			}
		}
	}
}

func splitAddressee(line string) (protocol.Subject, string) {
	line = strings.TrimSpace(line)
	if name, text, ok := strings.Cut(line, ":"); ok && name != "" && !strings.ContainsAny(name, " \t\"") {
		return protocol.Subject{ID: name, Name: name}, strings.TrimSpace(text)
	}
	return protocol.Subject{ID: runSubject, Name: runSubject}, line
}

func readSnapshot() (string, error) {
	if runSnapshotFile == "" {
		return "{}", nil
	}
	data, err := os.ReadFile(runSnapshotFile)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	return string(data), nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// setupTracing installs a tracer provider that prints spans to stderr.
func setupTracing() (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("trace shutdown", zap.Error(err))
		}
	}, nil
}
