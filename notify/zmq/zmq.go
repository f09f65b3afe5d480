// Package zmq publishes every snapshot on a ZeroMQ PUB socket as two frames:
// [topic, notify.Event JSON]. Subscribers filter on the topic frame.
package zmq

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/notify"
)

const DefaultTopic = "deductions"

type Config struct {
	Endpoint string // e.g. "tcp://*:5563"
	Topic    string // "" => DefaultTopic
}

type Notifier struct {
	mu    sync.Mutex
	sock  zmq4.Socket
	topic []byte
}

var _ syncache.Notifier = (*Notifier)(nil)

func New(ctx context.Context, cfg Config) (*Notifier, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("notify/zmq: endpoint is required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(cfg.Endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("notify/zmq: listen %s: %w", cfg.Endpoint, err)
	}
	return &Notifier{sock: sock, topic: []byte(topic)}, nil
}

// Addr is the bound address, useful with port 0.
func (n *Notifier) Addr() net.Addr { return n.sock.Addr() }

// Notify sends without waiting for subscribers; PUB drops when none are connected.
func (n *Notifier) Notify(_ context.Context, s syncache.Snapshot) error {
	data, err := json.Marshal(notify.NewEvent(s))
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sock.Send(zmq4.NewMsgFrom(n.topic, data))
}

func (n *Notifier) Close() error { return n.sock.Close() }
