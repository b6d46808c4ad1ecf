// Package workertest provides a scripted stand-in for the inference runner.
// The fake lives inside the test binary itself: TestMain calls RunIfWorker,
// and Config points the worker executable back at os.Args[0] with the
// desired behaviour passed as the script argument.
package workertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"intentbridge/internal/config"
)

// EnvVar switches the test binary into fake-worker mode.
const EnvVar = "INTENTBRIDGE_FAKE_WORKER"

// Behaviours selectable through the script argument.
const (
	ModeEcho           = "echo"            // answers every request with its snapshot
	ModeSilent         = "silent"          // reads requests and never answers
	ModeCrash          = "crash"           // exits with status 3 after the first request
	ModeIgnoreShutdown = "ignore-shutdown" // echoes, but never exits on its own
	ModeClosedStdin    = "closed-stdin"    // logs a failure and closes stdin
)

// LogMarker is written to the runner log in ModeClosedStdin.
const LogMarker = "runner: model load failed"

// SleepPrefix in a snapshot delays the echo, e.g. "sleep=300ms;text".
const SleepPrefix = "sleep="

// RunIfWorker runs the fake and exits when the process was spawned as a fake
// worker. Otherwise it arms the environment so children take that path.
func RunIfWorker() {
	if os.Getenv(EnvVar) == "1" {
		os.Exit(run(os.Args[1:]))
	}
	_ = os.Setenv(EnvVar, "1")
}

// Main is a TestMain body: it handles fake-worker mode and otherwise runs the
// tests through verify (for example goleak.VerifyTestMain).
func Main(m *testing.M, verify func(*testing.M)) {
	RunIfWorker()
	verify(m)
}

// Config returns a worker config that launches the fake in mode. The model
// and log paths live under a per-test temp directory.
func Config(t testing.TB, mode string) config.WorkerConfig {
	t.Helper()
	dir := t.TempDir()
	return config.WorkerConfig{
		Executable: os.Args[0],
		Script:     mode,
		ModelDir:   dir,
		Backend:    "auto",
		Device:     "NPU",
		LogFile:    filepath.Join(dir, "runner.log"),
	}.WithDefaults()
}

// WaitForLog blocks until the fake has written its log marker.
func WaitForLog(t testing.TB, cfg config.WorkerConfig, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(cfg.LogFile); err == nil && strings.Contains(string(data), LogMarker) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fake worker never wrote %s", cfg.LogFile)
}

type options struct {
	mode    string
	device  string
	logFile string
}

func parseArgs(args []string) options {
	opts := options{mode: ModeEcho}
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		opts.mode = filepath.Base(args[0])
		args = args[1:]
	}
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--device":
			opts.device = args[i+1]
			i++
		case "--log-file":
			opts.logFile = args[i+1]
			i++
		}
	}
	return opts
}

type request struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id"`
	Snapshot  string `json:"snapshot"`
}

func run(args []string) int {
	opts := parseArgs(args)
	out := os.Stdout

	fmt.Fprintf(out, "fake runner starting mode=%s device=%s\n", opts.mode, opts.device)

	if opts.mode == ModeClosedStdin {
		if opts.logFile != "" {
			_ = os.WriteFile(opts.logFile, []byte("loading model\n"+LogMarker+"\n"), 0o644)
		}
		_ = os.Stdin.Close()
		time.Sleep(time.Hour)
		return 0
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad request: %v\n", err)
			continue
		}

		if req.Command == "shutdown" {
			if opts.mode == ModeIgnoreShutdown {
				continue
			}
			writeJSON(out, map[string]any{"request_id": req.RequestID, "ok": true})
			return 0
		}

		switch opts.mode {
		case ModeSilent:
			continue
		case ModeCrash:
			fmt.Fprintln(os.Stderr, "fatal: device lost")
			return 3
		}

		text := req.Snapshot
		if strings.HasPrefix(text, SleepPrefix) {
			if spec, rest, ok := strings.Cut(strings.TrimPrefix(text, SleepPrefix), ";"); ok {
				if d, err := time.ParseDuration(spec); err == nil {
					time.Sleep(d)
				}
				text = rest
			}
		}

		// Noise the reader must skip: a foreign answer and a log line.
		writeJSON(out, map[string]any{"request_id": "stray-" + req.RequestID, "ok": true, "text": "not yours"})
		fmt.Fprintln(out, "[runner] generating")
		writeJSON(out, map[string]any{
			"request_id": req.RequestID,
			"ok":         true,
			"text":       text,
			"metrics":    map[string]any{"pid": os.Getpid(), "device": opts.device},
		})
	}

	if opts.mode == ModeIgnoreShutdown {
		time.Sleep(time.Hour)
	}
	return 0
}

func writeJSON(f *os.File, v any) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	_, _ = f.Write(data)
}
