package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentbridge/internal/config"
	"intentbridge/internal/protocol"
)

var mara = protocol.Subject{ID: "npc-7", Name: "Mara"}

func TestFileSink_WritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "intent.log")
	sink, err := OpenFile(path, 0, 0)
	require.NoError(t, err)

	r := NewRecorder(sink)
	r.Request(protocol.Request{ID: "req_1", Subject: mara, Snapshot: `{"hp":3}`, Prompt: "Situation:\n{}"})
	r.Response(protocol.Response{ID: "req_1", Subject: mara, OK: true, Text: `"Move."|follow_player`})
	r.Response(protocol.Response{ID: "req_2", Subject: mara, Error: "worker timed out"})
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, " snapshot Mara (req_1)\n{\"hp\":3}\n\n")
	assert.Contains(t, text, " prompt Mara (req_1)\nSituation:\n{}\n\n")
	assert.Contains(t, text, " response Mara (req_1)\n\"Move.\"|follow_player\n\n")
	assert.Contains(t, text, " failed Mara (req_2)\nworker timed out\n\n")
	assert.Zero(t, r.WriteErrors())
}

func TestFileSink_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.log")
	sink, err := OpenFile(path, 200, 2)
	require.NoError(t, err)
	defer sink.Close()

	body := strings.Repeat("x", 120)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write(Entry{Kind: KindResponse, RequestID: "r", Body: body}))
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(name)
		require.NoError(t, err, name)
		assert.LessOrEqual(t, info.Size(), int64(200), name)
	}
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSink_RotateWithoutBackupsTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.log")
	sink, err := OpenFile(path, 100, 0)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(Entry{Kind: KindPrompt, Body: strings.Repeat("a", 80)}))
	require.NoError(t, sink.Write(Entry{Kind: KindPrompt, Body: "second"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "aaaa")
	assert.Contains(t, string(data), "second")
	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	sink, err := OpenFile(filepath.Join(t.TempDir(), "t.log"), 0, 0)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Write(Entry{}), os.ErrClosed)
}

func TestSQLiteSink_Query(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "transcript.db"))
	require.NoError(t, err)
	defer db.Close()

	r := NewRecorder(db)
	r.Request(protocol.Request{ID: "req_1", Subject: mara, Snapshot: "snap", Prompt: "prompt"})
	r.Response(protocol.Response{ID: "req_1", Subject: mara, OK: true, Text: "answer"})
	r.Record(KindSnapshot, "req_2", protocol.Subject{}, "other")

	ctx := context.Background()
	got, err := db.Entries(ctx, Query{RequestID: "req_1"})
	require.NoError(t, err)

	want := []Entry{
		{Session: r.Session(), Kind: KindSnapshot, RequestID: "req_1", Subject: mara, Body: "snap"},
		{Session: r.Session(), Kind: KindPrompt, RequestID: "req_1", Subject: mara, Body: "prompt"},
		{Session: r.Session(), Kind: KindResponse, RequestID: "req_1", Subject: mara, Body: "answer"},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Entry{}, "Time")); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	snaps, err := db.Entries(ctx, Query{Session: r.Session(), Kind: KindSnapshot, Limit: 1})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap", snaps[0].Body)
}

func TestOpen_BuildsConfiguredSinks(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(config.TranscriptConfig{
		Path:       "logs/intent.log",
		MaxBytes:   1 << 20,
		MaxBackups: 3,
		SQLitePath: "logs/intent.db",
	}, dir)
	require.NoError(t, err)
	require.NotNil(t, r.Store())
	assert.NotEmpty(t, r.Session())

	r.Record(KindParsed, "req_9", mara, "follow_player")
	require.NoError(t, r.Close())

	assert.FileExists(t, filepath.Join(dir, "logs", "intent.log"))
	assert.FileExists(t, filepath.Join(dir, "logs", "intent.db"))
}

type failingSink struct{}

func (failingSink) Write(Entry) error { return errors.New("disk full") }
func (failingSink) Close() error      { return nil }

func TestRecorder_SinkErrorsAreCounted(t *testing.T) {
	r := NewRecorder(failingSink{})
	r.Record(KindPrompt, "req_1", mara, "p")
	r.Record(KindPrompt, "req_2", mara, "p")
	assert.Equal(t, 2, r.WriteErrors())
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(KindPrompt, "req_1", mara, "p")
	r.Response(protocol.Response{ID: "x"})
	assert.Nil(t, r.Store())
	assert.Empty(t, r.Session())
	assert.NoError(t, r.Close())
}
