package transcript

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultURL is Deepgram's turn-detecting listen endpoint.
const DefaultURL = "wss://api.deepgram.com/v2/listen"

var (
	ErrClosed     = errors.New("transcript: channel closed")
	ErrMissingKey = errors.New("transcript: API key missing")
)

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// Options configures a Channel.
type Options struct {
	URL        string
	APIKey     string
	Model      string
	Encoding   string
	SampleRate int
	// EagerEOTThreshold, EOTThreshold and EOTTimeout tune server-side turn
	// detection; zero leaves the backend default.
	EagerEOTThreshold float64
	EOTThreshold      float64
	EOTTimeout        time.Duration
	HandshakeTimeout  time.Duration
	// WarnBufferedBytes logs once when unsent audio grows past it. Audio is
	// never dropped.
	WarnBufferedBytes int
}

// Handlers receive channel output. Both run on the channel's reader
// goroutine and should not block.
type Handlers struct {
	OnEvent func(Event)
	OnError func(error)
}

// Channel is one streaming recognition connection. Audio sent before the
// connection opens, or while it is down, is buffered in arrival order and
// flushed once a connection is up. Connect may be called again after a
// failure reported through OnError.
type Channel struct {
	opts     Options
	handlers Handlers
	logger   *zap.Logger
	dialer   *websocket.Dialer

	mu           sync.Mutex
	conn         *link
	connecting   bool
	closed       bool
	pending      [][]byte
	pendingBytes int
	warned       bool

	flux atomic.Bool

	// turn bookkeeping; only the current link's reader touches it
	turnMu     sync.Mutex
	base       int
	last       int
	seen       bool
	legacyOpen bool
	legacyText string

	closeOnce sync.Once
}

type link struct {
	ws      *websocket.Conn
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func (l *link) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return l.ws.WriteMessage(messageType, data)
}

func (l *link) shutdown() bool {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
		_ = l.ws.Close()
	})
	return first
}

// NewChannel returns an unconnected channel.
func NewChannel(opts Options, handlers Handlers, logger *zap.Logger) *Channel {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Model == "" {
		opts.Model = "flux-general-en"
	}
	if opts.Encoding == "" {
		opts.Encoding = "linear16"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WarnBufferedBytes <= 0 {
		opts.WarnBufferedBytes = opts.SampleRate * 2 * 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		opts:     opts,
		handlers: handlers,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
	c.flux.Store(len(opts.Model) >= 4 && opts.Model[:4] == "flux")
	return c
}

// IsUsingFluxTurnDetection reports whether the backend is delivering native
// turn events. It starts from the configured model and follows the shape of
// the messages actually received.
func (c *Channel) IsUsingFluxTurnDetection() bool { return c.flux.Load() }

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("transcript: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.opts.Model)
	q.Set("encoding", c.opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.opts.SampleRate))
	if c.opts.EagerEOTThreshold > 0 {
		q.Set("eager_eot_threshold", strconv.FormatFloat(c.opts.EagerEOTThreshold, 'f', -1, 64))
	}
	if c.opts.EOTThreshold > 0 {
		q.Set("eot_threshold", strconv.FormatFloat(c.opts.EOTThreshold, 'f', -1, 64))
	}
	if c.opts.EOTTimeout > 0 {
		q.Set("eot_timeout_ms", strconv.FormatInt(c.opts.EOTTimeout.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the connection. It is a no-op while a connection is open or
// being opened.
func (c *Channel) Connect(ctx context.Context) error {
	if c.opts.APIKey == "" {
		return ErrMissingKey
	}
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	header := http.Header{"Authorization": {"Token " + c.opts.APIKey}}
	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("transcript: dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("transcript: dial: %w", err)
	}
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	l := &link{ws: ws, wake: make(chan struct{}, 1), done: make(chan struct{})}
	c.conn = l
	c.mu.Unlock()

	c.turnMu.Lock()
	// A new connection numbers its turns from zero again.
	if c.seen {
		c.base = c.last + 1
	}
	c.legacyOpen = false
	c.legacyText = ""
	c.turnMu.Unlock()

	c.logger.Info("transcript: connected", zap.String("model", c.opts.Model))
	go c.readLoop(l)
	go c.writeLoop(l)
	return nil
}

// SendAudio queues PCM for the recognizer. It never blocks on the network
// and never fails; after Close it discards.
func (c *Channel) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	frame := append([]byte(nil), pcm...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, frame)
	c.pendingBytes += len(frame)
	warn := !c.warned && c.pendingBytes > c.opts.WarnBufferedBytes
	if warn {
		c.warned = true
	}
	l := c.conn
	buffered := c.pendingBytes
	c.mu.Unlock()

	if warn {
		c.logger.Warn("transcript: audio backlog growing", zap.Int("bytes", buffered))
	}
	if l != nil {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

func (c *Channel) takePending(l *link) ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != l {
		return nil, false
	}
	batch := c.pending
	c.pending = nil
	c.pendingBytes = 0
	c.warned = false
	return batch, true
}

// requeue puts unsent frames back ahead of anything queued since.
func (c *Channel) requeue(frames [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	c.pending = append(append([][]byte(nil), frames...), c.pending...)
	c.pendingBytes += n
}

func (c *Channel) writeLoop(l *link) {
	for {
		for {
			batch, ok := c.takePending(l)
			if !ok {
				return
			}
			if len(batch) == 0 {
				break
			}
			for i, frame := range batch {
				if err := l.write(websocket.BinaryMessage, frame); err != nil {
					c.requeue(batch[i:])
					c.fail(l, fmt.Errorf("transcript: write audio: %w", err))
					return
				}
			}
		}
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
	}
}

func (c *Channel) readLoop(l *link) {
	for {
		mt, data, err := l.ws.ReadMessage()
		if err != nil {
			c.fail(l, fmt.Errorf("transcript: read: %w", err))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handle(data)
	}
}

func (c *Channel) fail(l *link, err error) {
	first := l.shutdown()
	c.mu.Lock()
	if c.conn == l {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if !first || closed {
		return
	}
	c.logger.Warn("transcript: connection lost", zap.Error(err))
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Channel) handle(data []byte) {
	ev, ok, err := ParseMessage(data)
	if err != nil {
		if errors.Is(err, ErrBackend) {
			c.logger.Warn("transcript: backend reported error", zap.Error(err))
		} else {
			c.logger.Debug("transcript: dropping malformed message", zap.Error(err))
		}
		return
	}
	if !ok {
		return
	}
	ev, ok = c.normalise(ev)
	if ok && c.handlers.OnEvent != nil {
		c.handlers.OnEvent(ev)
	}
}

// normalise assigns session-wide, non-decreasing turn indexes and folds
// legacy segments into one transcript per turn.
func (c *Channel) normalise(ev Event) (Event, bool) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if ev.Kind.Native() {
		c.flux.Store(true)
		idx := c.base + ev.TurnIndex
		if c.seen && idx < c.last {
			idx = c.last
		}
		c.last, c.seen = idx, true
		ev.TurnIndex = idx
		return ev, true
	}

	c.flux.Store(false)
	if !c.legacyOpen {
		if ev.Transcript == "" {
			return Event{}, false
		}
		if c.seen {
			c.last++
		}
		c.seen = true
		c.legacyOpen = true
		c.legacyText = ""
	}
	ev.TurnIndex = c.last

	text := ev.Transcript
	if c.legacyText != "" && text != "" {
		text = c.legacyText + " " + text
	} else if text == "" {
		text = c.legacyText
	}
	if ev.IsFinal || ev.SpeechFinal {
		c.legacyText = text
	}
	ev.Transcript = text

	if ev.SpeechFinal {
		c.legacyOpen = false
		c.legacyText = ""
		if text == "" {
			return Event{}, false
		}
		ev.Kind = LegacyFinal
		return ev, true
	}
	ev.Kind = LegacyPartial
	if text == "" {
		return Event{}, false
	}
	return ev, true
}

// Close ends the stream. It is safe to call more than once and before
// Connect.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		l := c.conn
		c.conn = nil
		c.pending = nil
		c.pendingBytes = 0
		c.mu.Unlock()
		if l == nil {
			return
		}
		if err := l.write(websocket.TextMessage, closeStreamMsg); err != nil {
			c.logger.Debug("transcript: close stream", zap.Error(err))
		}
		l.shutdown()
		c.logger.Info("transcript: closed")
	})
	return nil
}
