package source

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepulse/nodepulse/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))
	assert.Equal(t, 8*time.Second, nextBackoff(4*time.Second))
	assert.Equal(t, 60*time.Second, nextBackoff(40*time.Second))
	assert.Equal(t, 60*time.Second, nextBackoff(60*time.Second))
}

func TestReadFramesParsesAndSkipsMalformed(t *testing.T) {
	client, server := net.Pipe()
	src := NewNetworkSource("n1", "unused")
	out := make(chan Line, 16)

	go func() {
		client.Write([]byte("1715000000.25 first line\n"))
		client.Write([]byte("nospace\n"))
		client.Write([]byte("notatime second field\n"))
		client.Write([]byte("1715000001.5 second line\n"))
		client.Close()
	}()

	src.readFrames(context.Background(), server, out, reconnectInitial)
	close(out)

	var lines []Line
	for line := range out {
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "first line", lines[0].Text)
	assert.Equal(t, 1715000000.25, lines[0].Arrival)
	assert.Equal(t, "second line", lines[1].Text)
	assert.Equal(t, 1715000001.5, lines[1].Arrival)
}

func TestReadFramesResetsBackoffAfterFirstFrame(t *testing.T) {
	client, server := net.Pipe()
	src := NewNetworkSource("n1", "unused")
	out := make(chan Line, 4)

	go func() {
		client.Write([]byte("100.0 hello\n"))
		client.Close()
	}()

	backoff := src.readFrames(context.Background(), server, out, 32*time.Second)
	assert.Equal(t, reconnectInitial, backoff)
}

func TestFileSourceTailsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0o644))

	src := NewFileSource("n1", path)
	out := make(chan Line, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx, out)

	require.Eventually(t, src.Connected, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new line 1\nnew line 2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The pre-existing content is skipped: tailing starts at the end.
	var lines []string
	deadline := time.After(6 * time.Second)
	for len(lines) < 2 {
		select {
		case line := <-out:
			lines = append(lines, line.Text)
		case <-deadline:
			t.Fatalf("timed out, got %v", lines)
		}
	}
	assert.Equal(t, []string{"new line 1", "new line 2"}, lines)
}

func TestFileSourceDrainsOldFileAcrossRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src := NewFileSource("n1", path)
	out := make(chan Line, 16)
	ctx := context.Background()

	require.True(t, src.checkFile(ctx, out))
	require.True(t, src.Connected())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("flushed before rotation\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Rotate: the tailed file is renamed away and a fresh one appears
	// before the tailer wakes again.
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte("first line after rotation\n"), 0o644))

	require.True(t, src.checkFile(ctx, out))
	require.True(t, src.drainLines(ctx, out))
	close(out)

	var lines []string
	for line := range out {
		lines = append(lines, line.Text)
	}
	assert.Equal(t, []string{"flushed before rotation", "first line after rotation"}, lines)
}

func TestFileSourceHoldsPartialLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src := NewFileSource("n1", path)
	out := make(chan Line, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx, out)

	require.Eventually(t, src.Connected, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("half a ")
	require.NoError(t, err)

	select {
	case line := <-out:
		t.Fatalf("unterminated chunk delivered: %q", line.Text)
	case <-time.After(300 * time.Millisecond):
	}

	_, err = f.WriteString("line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-out:
		assert.Equal(t, "half a line", line.Text)
	case <-time.After(6 * time.Second):
		t.Fatal("completed line never delivered")
	}
}
