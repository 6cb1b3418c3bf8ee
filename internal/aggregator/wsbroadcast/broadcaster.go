// Package wsbroadcast fans newly ingested reports out to connected
// dashboard clients without blocking the gRPC UploadReport goroutine.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of JSON-encoded report
//     frames. A non-blocking send means a slow or disconnected client never
//     applies back-pressure to grpcsvc's UploadReport handler.
//   - Named clients are tracked in a sync.Map keyed by client ID so the hot
//     broadcast path never takes a global lock.
//   - Anonymous subscribers receive storage.Report values directly via a
//     second sync.Map, for in-process consumers that don't go through the
//     WebSocket handshake (e.g. tests, future CLI watch commands).
package wsbroadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/rig/internal/aggregator/storage"
)

// ReportData is the structured report payload sent to dashboard clients as
// part of a ReportMessage envelope.
type ReportData struct {
	ReportID    string `json:"report_id"`
	HostID      string `json:"host_id"`
	RigName     string `json:"rig_name"`
	Timestamp   string `json:"timestamp"`
	ArchivePath string `json:"archive_path"`
}

// ReportMessage is the top-level JSON envelope pushed to dashboard clients.
// Type is always "report" for report events.
type ReportMessage struct {
	Type string     `json:"type"`
	Data ReportData `json:"data"`
}

// Client represents a single connected dashboard client, created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded report frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans report events out to every connected dashboard client
// (Register/Unregister/Broadcast) and to every anonymous subscriber
// (Subscribe/Unsubscribe/Publish). Safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan storage.Report]chan storage.Report

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client and
// per-subscriber channel buffer depth; 0 uses a default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and stores it in the
// broadcaster. The caller must call Unregister(id) when the client
// disconnects. If the broadcaster is already closed, Register returns a
// Client whose Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Unregistering an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// Broadcast marshals msg to JSON and delivers it to every registered client
// with a non-blocking send. A full client buffer drops the message and
// increments that client's Dropped counter.
func (b *Broadcaster) Broadcast(msg ReportMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("wsbroadcast: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("wsbroadcast: client buffer full, dropping report",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber and returns a channel of
// storage.Report values, closed automatically when ctx is cancelled or when
// Close is called. Call Unsubscribe to release resources earlier.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan storage.Report {
	ch := make(chan storage.Report, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes it.
// Safe to call after the broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan storage.Report) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan storage.Report))
	}
}

// Publish delivers r to every anonymous subscriber and broadcasts the
// equivalent ReportMessage to every registered client. The non-blocking
// select/default pattern means a slow subscriber never stalls the caller.
func (b *Broadcaster) Publish(r storage.Report) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(_, value any) bool {
		ch := value.(chan storage.Report)
		select {
		case ch <- r:
		default:
			b.logger.Warn("wsbroadcast: subscriber buffer full, dropping report",
				slog.String("report_id", r.ReportID),
			)
		}
		return true
	})

	b.Broadcast(ReportMessage{
		Type: "report",
		Data: ReportData{
			ReportID:    r.ReportID,
			HostID:      r.HostID,
			RigName:     r.RigName,
			Timestamp:   r.Timestamp.UTC().Format(time.RFC3339),
			ArchivePath: r.ArchivePath,
		},
	})
}

// Close removes all subscriptions and registered clients, drains and closes
// every channel, and releases internal resources. After Close returns,
// Publish and Broadcast are no-ops and Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan storage.Report))
			return true
		})

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
