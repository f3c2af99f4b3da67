package logstream

import (
	"fmt"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	b := NewBus()
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.Logf("web")("probe[%s]: attempt %d", "web", 1)

	select {
	case line := <-ch:
		if line.Target != "web" || line.Message != "probe[web]: attempt 1" {
			t.Fatalf("line=%+v", line)
		}
		if line.Time.IsZero() {
			t.Fatalf("missing time")
		}
	case <-time.After(time.Second):
		t.Fatalf("no line delivered")
	}
}

func TestBus_DropsWhenSaturated(t *testing.T) {
	t.Parallel()

	b := NewBus()
	ch, unsubscribe := b.Subscribe(2)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(Line{Message: fmt.Sprint(i)})
	}
	if len(ch) != 2 {
		t.Fatalf("buffered=%d", len(ch))
	}
	if got := (<-ch).Message; got != "0" {
		t.Fatalf("first=%q", got)
	}
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	t.Parallel()

	b := NewBus()
	ch, unsubscribe := b.Subscribe(1)
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}

	other, unsubscribeOther := b.Subscribe(1)
	b.Close()
	b.Close()
	unsubscribeOther()
	if _, ok := <-other; ok {
		t.Fatalf("expected closed channel after Close")
	}

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel after Close")
	}
	b.Publish(Line{Message: "ignored"})
}
