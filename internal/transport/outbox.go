package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	audioQueueSize = 512
	ctrlQueueSize  = 64
	maxCloseReason = 120
)

type frame struct {
	messageType int
	data        []byte
}

// outbox owns all writes to one websocket. Control frames go ahead of
// queued audio so a barge-in notice is never stuck behind speech.
type outbox struct {
	ws     *websocket.Conn
	audio  chan frame
	ctrl   chan frame
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newOutbox(ws *websocket.Conn, logger *zap.Logger) *outbox {
	o := &outbox{
		ws:     ws,
		audio:  make(chan frame, audioQueueSize),
		ctrl:   make(chan frame, ctrlQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go o.loop()
	return o
}

func (o *outbox) loop() {
	for {
		var f frame
		select {
		case <-o.done:
			return
		case f = <-o.ctrl:
		default:
			select {
			case <-o.done:
				return
			case f = <-o.ctrl:
			case f = <-o.audio:
			}
		}
		_ = o.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := o.ws.WriteMessage(f.messageType, f.data); err != nil {
			o.logger.Debug("websocket write failed", zap.Error(err))
			o.close()
			return
		}
	}
}

func (o *outbox) closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *outbox) sendAudio(messageType int, data []byte) error {
	if o.closed() {
		return ErrClosed
	}
	select {
	case o.audio <- frame{messageType: messageType, data: data}:
		return nil
	default:
		return ErrBackpressure
	}
}

func (o *outbox) sendControl(messageType int, data []byte) error {
	if o.closed() {
		return ErrClosed
	}
	// Never blocks: callers run on the session actor.
	select {
	case o.ctrl <- frame{messageType: messageType, data: data}:
		return nil
	default:
		o.logger.Warn("control queue full, dropping frame", zap.Int("bytes", len(data)))
		return ErrBackpressure
	}
}

// drainAudio drops queued audio and reports how many frames were dropped.
func (o *outbox) drainAudio() int {
	n := 0
	for {
		select {
		case <-o.audio:
			n++
		default:
			return n
		}
	}
}

func (o *outbox) close() { o.closeWith(websocket.CloseNormalClosure, "") }

// closeWith ends the socket with a close frame carrying code and reason.
func (o *outbox) closeWith(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	o.once.Do(func() {
		close(o.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = o.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = o.ws.Close()
	})
}
