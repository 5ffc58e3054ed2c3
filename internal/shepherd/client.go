package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/rs/zerolog"
)

// defaultRequestTimeout covers a build plus teardown on the shepherd side.
const defaultRequestTimeout = 30 * time.Second

// Client connects to the shepherd and implements terminal.Controller.
// Frames from the shepherd are republished into the local sink.
type Client struct {
	session *yamux.Session
	ctl     net.Conn
	ctlMu   sync.Mutex // serialize writes

	sink   terminal.Sink
	logger *zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan Response

	// requestTimeout bounds every control request.
	requestTimeout time.Duration

	reqCounter atomic.Uint64
	closed     chan struct{}
	closeOnce  sync.Once
}

// Dial connects to the shepherd at the given socket path.
func Dial(socketPath string, sink terminal.Sink, logger *zerolog.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to shepherd: %w", err)
	}
	return NewClient(conn, sink, logger)
}

// NewClient runs the client side of the protocol over conn. It returns once
// the event stream is subscribed.
func NewClient(conn net.Conn, sink terminal.Sink, logger *zerolog.Logger) (*Client, error) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	evt, err := openStream(session, roleEvents)
	if err != nil {
		session.Close()
		return nil, err
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(evt, ack); err != nil || ack[0] != eventsReady {
		session.Close()
		return nil, fmt.Errorf("subscribe to shepherd events: %v", err)
	}

	ctl, err := openStream(session, roleControl)
	if err != nil {
		session.Close()
		return nil, err
	}

	c := &Client{
		session: session,
		ctl:     ctl,
		sink:    sink,
		logger:  logger,
		pending: make(map[string]chan Response),
		closed:  make(chan struct{}),

		requestTimeout: defaultRequestTimeout,
	}
	go c.readLoop()
	go c.eventLoop(evt)
	return c, nil
}

func openStream(session *yamux.Session, role byte) (net.Conn, error) {
	stream, err := session.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write([]byte{role}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("announce stream: %w", err)
	}
	return stream, nil
}

// Close disconnects from the shepherd. Sessions keep running there.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.session.Close()
	})
	return err
}

// Ping checks if the shepherd is responsive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendRequest(ctx, Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// Start implements terminal.Controller.
func (c *Client) Start(ctx context.Context, key, code, language string) error {
	resp, err := c.sendRequest(ctx, Request{
		Command:  cmdStart,
		Key:      key,
		Code:     code,
		Language: language,
	})
	if err != nil {
		return err
	}
	if resp.Event == evtError {
		if resp.ErrorKind == kindUnsupportedLanguage {
			return fmt.Errorf("%w: %q", lang.ErrUnsupportedLanguage, language)
		}
		return fmt.Errorf("shepherd: %s", resp.Error)
	}
	return nil
}

// HandleInput implements terminal.Controller. Input is fire-and-forget;
// errors surface as output frames from the shepherd.
func (c *Client) HandleInput(key, data string) {
	c.ctlMu.Lock()
	err := writeJSON(c.ctl, frameControl, Request{Command: cmdInput, Key: key, Data: data})
	c.ctlMu.Unlock()
	if err != nil {
		c.logger.Error().Err(err).Str("session_key", key).Msg("shepherd client: send input")
		c.sink.Publish(terminal.Topic(key), terminal.Output(terminal.InputError(err)))
	}
}

// Stop implements terminal.Controller.
func (c *Client) Stop(key string) {
	if _, err := c.sendRequest(context.Background(), Request{Command: cmdStop, Key: key}); err != nil {
		c.logger.Error().Err(err).Str("session_key", key).Msg("shepherd client: stop")
	}
}

// Active implements terminal.Controller.
func (c *Client) Active() []string {
	resp, err := c.sendRequest(context.Background(), Request{Command: cmdList})
	if err != nil {
		c.logger.Error().Err(err).Msg("shepherd client: list")
		return nil
	}
	return resp.Keys
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

func (c *Client) sendRequest(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req.ID = c.nextReqID()

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.ctlMu.Lock()
	err := writeJSON(c.ctl, frameControl, req)
	c.ctlMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("shepherd %s: %w", req.Command, ctx.Err())
	case <-c.closed:
		return Response{}, errors.New("client closed")
	}
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.ctl)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			c.disconnected(err)
			return
		}
		if frameType != frameControl {
			continue
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("shepherd client: bad control")
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) eventLoop(stream net.Conn) {
	reader := bufio.NewReader(stream)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			c.disconnected(err)
			return
		}
		if frameType != frameEvent {
			continue
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("shepherd client: bad event")
			continue
		}
		c.sink.Publish(ev.Topic, ev.Frame)
	}
}

func (c *Client) disconnected(err error) {
	select {
	case <-c.closed:
	default:
		c.logger.Error().Err(err).Msg("shepherd client: connection lost")
		c.Close()
	}
}

// Done is closed once the client is disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

var _ terminal.Controller = (*Client)(nil)
