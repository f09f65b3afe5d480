package zmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/unkn0wn-root/syncache"
	"github.com/unkn0wn-root/syncache/notify"
)

func TestEndpointRequired(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := New(ctx, Config{Endpoint: "tcp://127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	sub := zmq4.NewSub(ctx)
	defer sub.Close()
	if err := sub.Dial("tcp://" + n.Addr().String()); err != nil {
		t.Fatal(err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, DefaultTopic); err != nil {
		t.Fatal(err)
	}

	// PUB drops until the subscription has propagated; keep sending.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				_ = n.Notify(ctx, syncache.Snapshot{Gen: 3})
			}
		}
	}()

	msg, err := sub.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Frames) != 2 || string(msg.Frames[0]) != DefaultTopic {
		t.Fatalf("frames=%q", msg.Frames)
	}
	var ev notify.Event
	if err := json.Unmarshal(msg.Frames[1], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Gen != 3 || ev.Type != notify.EventDeductionsUpdated {
		t.Fatalf("event %+v", ev)
	}
}
