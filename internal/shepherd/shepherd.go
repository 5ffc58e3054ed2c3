// Package shepherd hosts the interactive session engine in a long-lived
// process so running sessions survive restarts of the HTTP server.
package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/hashicorp/yamux"
	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/metrics"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/peterje/coderunner/internal/workspace"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 1024

// connWriter serializes writes to one stream.
type connWriter struct {
	conn io.Writer
	mu   sync.Mutex
}

func (cw *connWriter) write(frameType byte, msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeJSON(cw.conn, frameType, msg)
}

type subscriber struct {
	events chan Event
}

// Shepherd owns a terminal engine and broadcasts its frames to every
// connected client.
type Shepherd struct {
	engine *terminal.Engine
	logger *zerolog.Logger

	subMu       sync.Mutex
	subscribers map[*subscriber]struct{}
}

func New(langs *lang.Registry, workspaces *workspace.Manager, opts terminal.Options, logger *zerolog.Logger) *Shepherd {
	s := &Shepherd{
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
	s.engine = terminal.NewEngine(langs, workspaces, s, terminal.NewRegistry(), opts, logger)
	return s
}

// SetJournal enables session history recording in the hosted engine.
func (s *Shepherd) SetJournal(j terminal.Journal) {
	s.engine.SetJournal(j)
}

// Publish implements terminal.Sink. Slow clients lose output frames rather
// than stall the engine; status frames always reach them.
func (s *Shepherd) Publish(topic string, f terminal.Frame) {
	ev := Event{Topic: topic, Frame: f}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		if lost := terminal.Offer(sub.events, ev, f.Type == terminal.FrameStatus); lost > 0 {
			metrics.FramesDropped.Add(float64(lost))
			s.logger.Warn().Str("topic", topic).Str("type", f.Type).Msg("shepherd: dropped frame for slow client")
		}
	}
}

// Run listens on socketPath until SIGINT or SIGTERM, then stops every
// session and removes the socket and pid files.
func (s *Shepherd) Run(socketPath, pidPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, pidPath, s.logger); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.logger.Info().Msg("shepherd: shutting down")
		listener.Close()
	}()

	s.logger.Info().Str("socket", socketPath).Int("pid", os.Getpid()).Msg("shepherd: listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		go func() {
			if err := s.ServeConn(conn); err != nil {
				s.logger.Debug().Err(err).Msg("shepherd: connection closed")
			}
		}()
	}

	signal.Stop(sigCh)
	s.engine.Close()
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}

// Close stops every hosted session.
func (s *Shepherd) Close() {
	s.engine.Close()
}

// ServeConn multiplexes one client connection and serves its streams until
// the connection ends.
func (s *Shepherd) ServeConn(conn net.Conn) error {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) || session.IsClosed() {
				return nil
			}
			return err
		}
		go s.serveStream(stream)
	}
}

func (s *Shepherd) serveStream(stream net.Conn) {
	defer stream.Close()

	role := make([]byte, 1)
	if _, err := io.ReadFull(stream, role); err != nil {
		return
	}
	switch role[0] {
	case roleControl:
		s.serveControl(stream)
	case roleEvents:
		s.serveEvents(stream)
	default:
		s.logger.Warn().Int("role", int(role[0])).Msg("shepherd: unknown stream role")
	}
}

func (s *Shepherd) serveControl(stream net.Conn) {
	cw := &connWriter{conn: stream}
	reader := bufio.NewReader(stream)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return
		}
		if frameType != frameControl {
			continue
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn().Err(err).Msg("shepherd: bad control message")
			continue
		}

		// Input stays on this goroutine so keystrokes keep their order.
		if req.Command == cmdInput {
			s.engine.HandleInput(req.Key, req.Data)
			continue
		}
		go s.handleControl(cw, req)
	}
}

func (s *Shepherd) handleControl(cw *connWriter, req Request) {
	resp := Response{ID: req.ID}
	switch req.Command {
	case cmdPing:
		resp.Event = evtPong
	case cmdStart:
		// Start runs detached from the request; the build step has its own timeout.
		if err := s.engine.Start(context.Background(), req.Key, req.Code, req.Language); err != nil {
			resp.Event, resp.Error = evtError, err.Error()
			if errors.Is(err, lang.ErrUnsupportedLanguage) {
				resp.ErrorKind = kindUnsupportedLanguage
			}
		} else {
			resp.Event = evtStarted
		}
	case cmdStop:
		s.engine.Stop(req.Key)
		resp.Event = evtStopDone
	case cmdList:
		resp.Event, resp.Keys = evtList, s.engine.Active()
	default:
		resp.Event, resp.Error = evtError, "unknown command "+req.Command
	}
	if err := cw.write(frameControl, resp); err != nil {
		s.logger.Debug().Err(err).Str("command", req.Command).Msg("shepherd: response not delivered")
	}
}

func (s *Shepherd) serveEvents(stream net.Conn) {
	sub := &subscriber{events: make(chan Event, subscriberBuffer)}
	s.subMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subMu.Unlock()
	defer func() {
		s.subMu.Lock()
		delete(s.subscribers, sub)
		s.subMu.Unlock()
	}()

	if _, err := stream.Write([]byte{eventsReady}); err != nil {
		return
	}

	// The client never writes on this stream; a read returns when it goes away.
	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stream)
		close(gone)
	}()

	for {
		select {
		case ev := <-sub.events:
			if err := writeJSON(stream, frameEvent, ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// cleanStaleSocket removes a stale socket file if the shepherd process is not running.
func cleanStaleSocket(socketPath, pidPath string, logger *zerolog.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("shepherd already running (socket active)")
	}

	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(string(pidData))
		if err == nil {
			proc, err := os.FindProcess(pid)
			if err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("shepherd already running (pid %d)", pid)
				}
			}
		}
	}

	logger.Info().Str("socket", socketPath).Msg("shepherd: removing stale socket")
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
