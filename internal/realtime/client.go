package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/livetrack/internal/relay"
	"github.com/onnwee/livetrack/internal/subscription"
	"github.com/onnwee/livetrack/internal/track"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Location frames are a few hundred bytes.
	maxMessageSize = 16 * 1024

	// DefaultSendQueueSize is the outbound buffer per connection.
	DefaultSendQueueSize = 64
)

// Delivery errors.
var (
	// ErrSendQueueFull is returned by Deliver when the connection cannot keep up.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrClientClosed is returned by Deliver after the connection ended.
	ErrClientClosed = errors.New("client closed")
)

// Relay is what a connection needs from the relay.
type Relay interface {
	Subscribe(ctx context.Context, sub subscription.Subscriber, trackID string) (int, error)
	Unsubscribe(ctx context.Context, sub subscription.Subscriber, trackID string) (int, error)
	Submit(ctx context.Context, req relay.SubmitRequest) (track.LocationReport, error)
	Disconnect(sub subscription.Subscriber) []string
	Freshness() track.Freshness
}

// Options configures a Client.
type Options struct {
	// Codec encodes outbound messages. Default: JSON.
	Codec Codec
	// SendQueueSize bounds queued outbound messages. Default: 64.
	SendQueueSize int
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Client is one WebSocket connection. Updates are queued by Deliver and
// written in order by the connection's own writer goroutine, so a slow peer
// only ever loses its own updates.
type Client struct {
	id        string
	conn      *websocket.Conn
	relay     Relay
	codec     Codec
	freshness track.Freshness
	metrics   *Metrics
	logger    *slog.Logger

	send      chan Outbound
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, r Relay, opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}
	id := "conn-" + uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		id:        id,
		conn:      conn,
		relay:     r,
		codec:     opts.Codec,
		freshness: r.Freshness(),
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("connection_id", id)),
		send:      make(chan Outbound, opts.SendQueueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// Deliver queues an update for this connection without blocking.
func (c *Client) Deliver(update track.Update) error {
	return c.enqueue(updateMessage(update, c.freshness, time.Now()))
}

func (c *Client) enqueue(msg Outbound) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Serve runs the connection until the peer goes away or ctx is canceled.
// Every subscription the connection held is removed before Serve returns.
func (c *Client) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.metrics.connOpened()
	defer c.metrics.connClosed()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	c.readPump(ctx)

	c.relay.Disconnect(c)
	c.close()
	<-writerDone
	_ = c.conn.Close()
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", slog.String("error", err.Error()))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frameType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket connection closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		in, err := codecForFrame(frameType).Decode(frame)
		if err != nil {
			c.reject(in, err)
			continue
		}
		c.metrics.message(DirectionIn, in.Event)
		c.handle(ctx, in)
	}
}

func (c *Client) reject(in Inbound, err error) {
	event := Event("invalid")
	code := CodeBadRequest
	if errors.Is(err, ErrUnknownEvent) {
		code = CodeUnknownEvent
	}
	c.metrics.message(DirectionIn, event)
	c.reply(errorMessage(in.TrackID, code, err.Error()))
}

func (c *Client) handle(ctx context.Context, in Inbound) {
	switch in.Event {
	case EventSubscribe:
		// The acknowledgement arrives through Deliver.
		if _, err := c.relay.Subscribe(ctx, c, in.TrackID); err != nil {
			c.replyError(in.TrackID, err)
		}
	case EventUnsubscribe:
		if _, err := c.relay.Unsubscribe(ctx, c, in.TrackID); err != nil {
			c.replyError(in.TrackID, err)
		}
	case EventLocationUpdate:
		report, err := c.relay.Submit(ctx, *in.Report)
		if err != nil {
			c.replyError(in.Report.TrackID, err)
			return
		}
		c.reply(Outbound{Event: EventAccepted, Data: AcceptedData{
			TrackID:   report.TrackID,
			Timestamp: report.Timestamp,
		}})
	case EventPing:
		c.reply(Outbound{Event: EventPong})
	}
}

func (c *Client) replyError(trackID string, err error) {
	var verr *relay.ValidationError
	switch {
	case errors.As(err, &verr):
		c.reply(errorMessage(trackID, CodeValidation, verr.Reason))
	case errors.Is(err, track.ErrStorageUnavailable):
		c.reply(errorMessage(trackID, CodeStorage, "storage temporarily unavailable"))
	case errors.Is(err, relay.ErrAckUndelivered):
		// A peer that can take neither the ack nor the error is dropped.
		if qerr := c.enqueue(errorMessage(trackID, CodeQueueFull, "subscription not registered: send queue full")); qerr != nil {
			c.logger.Warn("closing connection that cannot keep up",
				slog.String("track_id", trackID),
				slog.String("error", qerr.Error()))
			c.close()
		}
	default:
		c.logger.Error("request failed", slog.String("track_id", trackID), slog.String("error", err.Error()))
		c.reply(errorMessage(trackID, CodeInternal, "internal error"))
	}
}

func (c *Client) reply(msg Outbound) {
	if err := c.enqueue(msg); err != nil {
		c.logger.Warn("dropped reply", slog.String("event", string(msg.Event)), slog.String("error", err.Error()))
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks the reader when the writer fails first.
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain flushes whatever is still queued.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg Outbound) bool {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode message", slog.String("event", string(msg.Event)), slog.String("error", err.Error()))
		return true
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("failed to write message", slog.String("error", err.Error()))
		}
		return false
	}
	c.metrics.message(DirectionOut, msg.Event)
	return true
}
