package coinbase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFeedURL = "wss://advanced-trade-ws.coinbase.com"

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// FeedClient streams level2 frames for one product. It reconnects after a
// fixed delay and tells the consumer about every re-established connection.
type FeedClient struct {
	url            string
	productID      string
	auth           *JWTAuthenticator
	reconnectDelay time.Duration
	dialer         websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	logger *logrus.Entry
}

func NewFeedClient(url, productID string, auth *JWTAuthenticator, reconnectDelay time.Duration, logger *logrus.Logger) *FeedClient {
	if url == "" {
		url = DefaultFeedURL
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &FeedClient{
		url:            url,
		productID:      productID,
		auth:           auth,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.WithFields(logrus.Fields{
			"component":  "feed_client",
			"product_id": productID,
		}),
	}
}

func (f *FeedClient) ProductID() string {
	return f.productID
}

// Run blocks until ctx is cancelled, delivering frames to out.
func (f *FeedClient) Run(ctx context.Context, out chan<- FeedEvent) error {
	reconnect := false
	for {
		err := f.runConnection(ctx, out, reconnect)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.WithError(err).Warn("Feed disconnected, reconnecting")
		reconnect = true

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

// Resubscribe re-issues the level2 subscription on the live connection.
func (f *FeedClient) Resubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	if err := f.sendLocked("unsubscribe", ChannelLevel2); err != nil {
		return err
	}
	return f.sendLocked("subscribe", ChannelLevel2)
}

func (f *FeedClient) runConnection(ctx context.Context, out chan<- FeedEvent, reconnect bool) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	if reconnect {
		select {
		case out <- FeedEvent{Reconnected: true, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	err = f.sendLocked("subscribe", ChannelLevel2)
	if err == nil {
		err = f.sendLocked("subscribe", ChannelHeartbeats)
	}
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("Subscribed to level2 feed")

	go f.keepAlive(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		select {
		case out <- FeedEvent{Data: data, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *FeedClient) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				f.logger.WithError(err).Error("Failed to send ping")
				return
			}
		}
	}
}

// sendLocked writes a (un)subscribe frame. Caller must hold f.mu.
func (f *FeedClient) sendLocked(kind, channel string) error {
	msg := SubscribeMessage{
		Type:       kind,
		ProductIDs: []string{f.productID},
		Channel:    channel,
	}
	if f.auth != nil {
		token, err := f.auth.WebSocketJWT()
		if err != nil {
			return err
		}
		msg.JWT = token
	}

	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteJSON(msg)
}
