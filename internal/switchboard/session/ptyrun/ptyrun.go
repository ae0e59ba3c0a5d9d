// Package ptyrun runs a session's process under a pseudo-terminal and
// implements the live-session handle: chunked output with monotone cursors,
// a bounded replay ring for late attachments, and exit capture.
package ptyrun

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/jmoyers/switchboard/internal/switchboard/session"
)

const (
	readChunkSize = 4096
	// replayRingMax bounds the chunks kept for attachment replay.
	replayRingMax = 256
	// screenLinesMax bounds the rolling line buffer behind snapshots.
	screenLinesMax = 2000
)

// Params configure a spawned session process.
type Params struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Session is a PTY-backed live session. It satisfies session.Live.
type Session struct {
	mu          sync.Mutex
	cmd         *exec.Cmd
	f           *os.File
	cols, rows  int
	cursor      int64
	ring        []session.OutputChunk
	attachments map[string]session.Handlers
	lines       []string
	partial     string
	exited      bool
	exit        session.Exit
	closed      bool
	done        chan struct{}
}

var _ session.Live = (*Session)(nil)

// Start spawns the command under a PTY and begins the read loop.
func Start(p Params) (*Session, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("starting pty session: empty command")
	}
	if p.Cols == 0 {
		p.Cols = 80
	}
	if p.Rows == 0 {
		p.Rows = 24
	}

	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = p.Dir
	if p.Env != nil {
		cmd.Env = p.Env
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: p.Rows, Cols: p.Cols})
	if err != nil {
		return nil, fmt.Errorf("starting pty session: %w", err)
	}

	s := &Session{
		cmd:         cmd,
		f:           f,
		cols:        int(p.Cols),
		rows:        int(p.Rows),
		attachments: make(map[string]session.Handlers),
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// ProcessID returns the pid of the spawned process.
func (s *Session) ProcessID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.deliver(data)
		}
		if err != nil {
			break
		}
	}
	s.finish()
}

// deliver assigns the next cursor, appends to the ring and screen buffer,
// and fans the chunk out to attachments.
func (s *Session) deliver(data []byte) {
	s.mu.Lock()
	s.cursor++
	chunk := session.OutputChunk{Cursor: s.cursor, Data: data}
	s.ring = append(s.ring, chunk)
	if len(s.ring) > replayRingMax {
		s.ring = s.ring[len(s.ring)-replayRingMax:]
	}
	s.appendScreen(string(data))
	handlers := make([]session.Handlers, 0, len(s.attachments))
	for _, h := range s.attachments {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if h.OnData != nil {
			h.OnData(chunk)
		}
	}
}

// appendScreen folds raw output into the rolling line buffer. Carriage
// returns rewrite the current line; the buffer is capped at screenLinesMax.
// Caller holds mu.
func (s *Session) appendScreen(text string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for {
		idx := strings.IndexAny(text, "\n\r")
		if idx < 0 {
			s.partial += text
			return
		}
		sep := text[idx]
		s.partial += text[:idx]
		text = text[idx+1:]
		if sep == '\n' {
			s.lines = append(s.lines, s.partial)
			s.partial = ""
			if len(s.lines) > screenLinesMax {
				s.lines = s.lines[len(s.lines)-screenLinesMax:]
			}
		} else {
			// Bare carriage return: the next write overwrites the line.
			s.partial = ""
		}
	}
}

func (s *Session) finish() {
	err := s.cmd.Wait()

	exit := session.Exit{}
	if err == nil {
		code := 0
		exit.Code = &code
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exit.Signal = ws.Signal().String()
			} else {
				code := exitErr.ExitCode()
				exit.Code = &code
			}
		}
	}

	s.mu.Lock()
	s.exited = true
	s.exit = exit
	handlers := make([]session.Handlers, 0, len(s.attachments))
	for _, h := range s.attachments {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if h.OnExit != nil {
			h.OnExit(exit)
		}
	}
	close(s.done)
}

// Attach registers handlers, replaying ring chunks with cursor > sinceCursor
// first. When the process already exited, OnExit fires after the replay.
func (s *Session) Attach(h session.Handlers, sinceCursor int64) string {
	s.mu.Lock()
	id := "attachment-" + uuid.NewString()
	var replay []session.OutputChunk
	for _, chunk := range s.ring {
		if chunk.Cursor > sinceCursor {
			replay = append(replay, chunk)
		}
	}
	exited := s.exited
	exit := s.exit
	if !exited {
		s.attachments[id] = h
	}
	s.mu.Unlock()

	for _, chunk := range replay {
		if h.OnData != nil {
			h.OnData(chunk)
		}
	}
	if exited && h.OnExit != nil {
		h.OnExit(exit)
	}
	return id
}

// Detach removes an attachment. Unknown ids are ignored.
func (s *Session) Detach(attachmentID string) {
	s.mu.Lock()
	delete(s.attachments, attachmentID)
	s.mu.Unlock()
}

// Write sends bytes to the process's terminal.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	closed := s.closed || s.exited
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("writing to pty: session has exited")
	}
	if _, err := s.f.Write(p); err != nil {
		return fmt.Errorf("writing to pty: %w", err)
	}
	return nil
}

// Resize changes the terminal dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	if err := pty.Setsize(s.f, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	s.mu.Lock()
	s.cols, s.rows = int(cols), int(rows)
	s.mu.Unlock()
	return nil
}

// Snapshot captures the current screen buffer.
func (s *Session) Snapshot() session.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, len(s.lines), len(s.lines)+1)
	copy(lines, s.lines)
	if s.partial != "" {
		lines = append(lines, s.partial)
	}
	return session.Frame{
		Lines:      lines,
		Cols:       s.cols,
		Rows:       s.rows,
		CapturedAt: time.Now().UTC(),
	}
}

// BufferTail returns the last n visible lines.
func (s *Session) BufferTail(n int) []string {
	return session.TailLines(s.Snapshot(), n)
}

// LatestCursor returns the cursor of the most recent chunk.
func (s *Session) LatestCursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Exited reports whether the process has ended, with its exit status.
func (s *Session) Exited() (session.Exit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit, s.exited
}

// Wait blocks until the process exits or the timeout elapses.
func (s *Session) Wait(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close terminates the process and releases the PTY. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	exited := s.exited
	s.mu.Unlock()

	if !exited && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	err := s.f.Close()
	<-s.done
	if err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("closing pty: %w", err)
	}
	return nil
}
