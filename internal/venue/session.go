package venue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Session maintains one websocket push stream to a venue and translates raw
// frames into PushEvents. The engine runs one session per connected venue.
type Session struct {
	venue   string
	url     string
	out     chan<- PushEvent
	logger  *zap.Logger
	backoff time.Duration

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession creates a push session for a venue. Events are delivered on
// out; the channel is shared with the fill monitor.
func NewSession(venueName, url string, out chan<- PushEvent, logger *zap.Logger) *Session {
	return &Session{
		venue:   venueName,
		url:     url,
		out:     out,
		logger:  logger,
		backoff: time.Second,
	}
}

// Start begins the read loop. It reconnects with capped backoff until Stop
// is called.
func (s *Session) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// Stop tears the session down and waits for the read loop to exit.
func (s *Session) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.backoff
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("push session dial failed",
				zap.String("venue", s.venue),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		s.logger.Info("push session connected", zap.String("venue", s.venue))
		backoff = s.backoff
		s.consume(ctx, conn)
		conn.Close()
	}
}

func (s *Session) consume(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the session is stopped.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("push session read failed",
					zap.String("venue", s.venue), zap.Error(err))
			}
			return
		}

		var ev PushEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Debug("dropping unparseable push frame",
				zap.String("venue", s.venue), zap.Error(err))
			continue
		}
		if ev.VenueOrderID == "" {
			continue
		}
		ev.Venue = s.venue

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
