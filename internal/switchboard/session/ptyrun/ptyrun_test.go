package ptyrun

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoyers/switchboard/internal/switchboard/session"
)

type collector struct {
	mu     sync.Mutex
	chunks []session.OutputChunk
	exit   *session.Exit
	exited chan struct{}
}

func newCollector() *collector {
	return &collector{exited: make(chan struct{})}
}

func (c *collector) handlers() session.Handlers {
	return session.Handlers{
		OnData: func(chunk session.OutputChunk) {
			c.mu.Lock()
			c.chunks = append(c.chunks, chunk)
			c.mu.Unlock()
		},
		OnExit: func(e session.Exit) {
			c.mu.Lock()
			if c.exit == nil {
				c.exit = &e
				close(c.exited)
			}
			c.mu.Unlock()
		},
	}
}

func (c *collector) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, chunk := range c.chunks {
		b.Write(chunk.Data)
	}
	return b.String()
}

func (c *collector) waitExit(t *testing.T) session.Exit {
	t.Helper()
	select {
	case <-c.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.exit
}

func TestStart_CapturesOutputAndExit(t *testing.T) {
	s, err := Start(Params{Command: "sh", Args: []string{"-c", "printf hello; exit 3"}})
	if err != nil {
		t.Fatalf("starting: %v", err)
	}
	defer s.Close()

	c := newCollector()
	s.Attach(c.handlers(), 0)

	exit := c.waitExit(t)
	if exit.Code == nil || *exit.Code != 3 {
		t.Errorf("expected exit code 3, got %+v", exit)
	}
	if !strings.Contains(c.output(), "hello") {
		t.Errorf("expected output to contain hello, got %q", c.output())
	}
}

func TestChunkCursors_StrictlyIncrease(t *testing.T) {
	s, err := Start(Params{Command: "sh", Args: []string{"-c", "for i in 1 2 3 4 5; do echo line $i; done"}})
	if err != nil {
		t.Fatalf("starting: %v", err)
	}
	defer s.Close()

	c := newCollector()
	s.Attach(c.handlers(), 0)
	c.waitExit(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	var last int64
	for _, chunk := range c.chunks {
		if chunk.Cursor <= last {
			t.Fatalf("cursor %d not greater than %d", chunk.Cursor, last)
		}
		last = chunk.Cursor
	}
	if last == 0 {
		t.Fatal("expected at least one chunk")
	}
}

func TestAttach_ReplaysFromCursor(t *testing.T) {
	s, err := Start(Params{Command: "sh", Args: []string{"-c", "printf replayme"}})
	if err != nil {
		t.Fatalf("starting: %v", err)
	}
	defer s.Close()

	if !s.Wait(5 * time.Second) {
		t.Fatal("timed out waiting for process")
	}

	// Late attachment gets the buffered chunks and the exit notification.
	c := newCollector()
	s.Attach(c.handlers(), 0)
	exit := c.waitExit(t)
	if exit.Code == nil || *exit.Code != 0 {
		t.Errorf("expected exit code 0, got %+v", exit)
	}
	if !strings.Contains(c.output(), "replayme") {
		t.Errorf("expected replayed output, got %q", c.output())
	}

	// Attaching after the last cursor replays nothing.
	c2 := newCollector()
	s.Attach(c2.handlers(), s.LatestCursor())
	c2.waitExit(t)
	if len(c2.chunks) != 0 {
		t.Errorf("expected no replay past latest cursor, got %d chunks", len(c2.chunks))
	}
}

func TestWrite_ReachesProcess(t *testing.T) {
	s, err := Start(Params{Command: "sh", Args: []string{"-c", "read line; echo got:$line"}})
	if err != nil {
		t.Fatalf("starting: %v", err)
	}
	defer s.Close()

	c := newCollector()
	s.Attach(c.handlers(), 0)

	if err := s.Write([]byte("ping\n")); err != nil {
		t.Fatalf("writing: %v", err)
	}
	c.waitExit(t)
	if !strings.Contains(c.output(), "got:ping") {
		t.Errorf("expected echoed input, got %q", c.output())
	}
}

func TestSnapshot_HoldsRecentLines(t *testing.T) {
	s, err := Start(Params{Command: "sh", Args: []string{"-c", "echo alpha; echo beta"}})
	if err != nil {
		t.Fatalf("starting: %v", err)
	}
	defer s.Close()

	if !s.Wait(5 * time.Second) {
		t.Fatal("timed out waiting for process")
	}

	frame := s.Snapshot()
	joined := strings.Join(frame.Lines, "\n")
	if !strings.Contains(joined, "alpha") || !strings.Contains(joined, "beta") {
		t.Errorf("expected snapshot to hold output lines, got %v", frame.Lines)
	}
	if frame.Cols != 80 || frame.Rows != 24 {
		t.Errorf("expected default 80x24, got %dx%d", frame.Cols, frame.Rows)
	}

	tail := s.BufferTail(1)
	if len(tail) != 1 {
		t.Fatalf("expected one tail line, got %v", tail)
	}
}

func TestClose_KillsRunningProcess(t *testing.T) {
	s, err := Start(Params{Command: "sh", Args: []string{"-c", "sleep 60"}})
	if err != nil {
		t.Fatalf("starting: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("closing: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	if _, exited := s.Exited(); !exited {
		t.Error("expected process marked exited after close")
	}
	if err := s.Write([]byte("x")); err == nil {
		t.Error("expected write to fail after close")
	}
}
