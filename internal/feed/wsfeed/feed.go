package wsfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/pkg/exception"
)

const (
	DefaultURL    = "wss://stream.binance.com:9443/ws"
	defaultBuffer = 256
)

// Config controls the websocket feed.
type Config struct {
	URL      string
	Registry *schema.Registry
	Buffer   int
}

// Feed is a MarketDataSource backed by an exchange kline/trade websocket.
// Minute and coarser subscriptions receive closed klines; tick subscriptions
// receive trades.
type Feed struct {
	cfg   Config
	wss   *ws.WebSocket
	reqID atomic.Int64

	mu      sync.Mutex
	closed  bool
	next    source.StreamHandle
	streams map[source.StreamHandle]*stream
}

type stream struct {
	param  string
	cancel func()
	done   chan struct{}
}

// New creates a feed. Start must be called before Subscribe.
func New(ctx context.Context, cfg Config) *Feed {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Feed{
		cfg:     cfg,
		wss:     ws.New(ctx, cfg.URL),
		streams: make(map[source.StreamHandle]*stream),
	}
}

// Start opens the websocket connection.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss").With("url", f.cfg.URL)
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, sub schema.Subscription) (source.StreamHandle, <-chan schema.DataPoint, error) {
	if f.isClosed() {
		return 0, nil, errors.Wrap(exception.ErrConnectionClose, "subscribe").With("url", f.cfg.URL)
	}
	symbol, ok := f.cfg.Registry.Symbol(sub.Symbol)
	if !ok {
		return 0, nil, errors.Wrap(exception.ErrUnknownSubscription, "symbol not registered").With("symbol", sub.Symbol)
	}
	param, err := streamParam(symbol.Name, sub.Resolution)
	if err != nil {
		return 0, nil, err
	}
	if err := f.request(ctx, "SUBSCRIBE", param); err != nil {
		return 0, nil, err
	}

	msgs, cancel := f.wss.Subscribe()
	out := make(chan schema.DataPoint, f.cfg.Buffer)
	s := &stream{param: param, cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	f.next++
	handle := f.next
	f.streams[handle] = s
	f.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				p, ok, err := decode(m, sub, symbol)
				if err != nil {
					logs.Errorf("decode %s message, err: %+v", param, err)
					continue
				}
				if !ok {
					continue
				}
				select {
				case out <- p:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return handle, out, nil
}

func (f *Feed) Unsubscribe(handle source.StreamHandle) error {
	f.mu.Lock()
	s, ok := f.streams[handle]
	delete(f.streams, handle)
	closed := f.closed
	f.mu.Unlock()
	if !ok {
		return exception.ErrUnknownSubscription
	}
	close(s.done)
	if closed {
		return nil
	}
	return f.request(context.Background(), "UNSUBSCRIBE", s.param)
}

// Close tears down the websocket connection. Streams still open stop
// delivering; their Unsubscribe skips the exchange request.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.wss.Close()
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type response struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

func (f *Feed) request(ctx context.Context, method, param string) error {
	id := f.reqID.Add(1)
	appendIntoRegister := method == "SUBSCRIBE"
	err := f.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, conn *ws.WebSocket) error {
			payload := request{Method: method, Params: []string{param}, ID: id}
			if err := conn.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write request payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp response
			if err := m.Unmarshal(&resp); err != nil || resp.ID != id {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Wrap(exception.ErrInResponseError, strings.ToLower(method)).With("result", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister)
	if err != nil {
		return errors.Wrap(err, "send and wait").With("method", method).With("param", param)
	}
	return nil
}

func streamParam(symbol string, res schema.Resolution) (string, error) {
	name := strings.ToLower(symbol)
	switch res {
	case schema.ResolutionTick:
		return name + "@trade", nil
	case schema.ResolutionSecond, schema.ResolutionMinute, schema.ResolutionHour, schema.ResolutionDaily:
		return fmt.Sprintf("%s@kline_%s", name, res), nil
	default:
		return "", errors.Wrap(exception.ErrInvalidArgument, "unsupported resolution").With("resolution", res.String())
	}
}

func decode(m ws.Message, sub schema.Subscription, symbol schema.Symbol) (schema.DataPoint, bool, error) {
	if sub.Resolution == schema.ResolutionTick {
		t, ok := ws.ReadMessage[Trade](m)
		if !ok || t.EventType != "trade" {
			return schema.DataPoint{}, false, nil
		}
		return t.DataPoint(sub, symbol)
	}
	k, ok := ws.ReadMessage[KlineEvent](m)
	if !ok || k.EventType != "kline" {
		return schema.DataPoint{}, false, nil
	}
	return k.DataPoint(sub, symbol)
}
