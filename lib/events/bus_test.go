package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type widgetCreated struct {
	Name string
}

type widgetDeleted struct {
	Name string
}

func TestBusDeliversOnlyMatchingType(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	var created []string
	var deleted []string

	Subscribe(b, func(e widgetCreated) {
		mu.Lock()
		defer mu.Unlock()
		created = append(created, e.Name)
	})
	Subscribe(b, func(e widgetDeleted) {
		mu.Lock()
		defer mu.Unlock()
		deleted = append(deleted, e.Name)
	})

	b.Publish(widgetCreated{Name: "a"})
	b.Publish(widgetDeleted{Name: "b"})
	b.Publish(widgetCreated{Name: "c"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "c"}, created)
	assert.Equal(t, []string{"b"}, deleted)
}

func TestBusMultipleSubscribersAllReceive(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		Subscribe(b, func(e widgetCreated) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	b.Publish(widgetCreated{Name: "x"})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestBusPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := NewBus()
	done := make(chan struct{})
	go func() {
		b.Publish(widgetCreated{Name: "nobody-listening"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestBusSubscriberPanicDoesNotCorruptDelivery(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var secondCalled bool

	Subscribe(b, func(e widgetCreated) {
		panic("boom")
	})
	Subscribe(b, func(e widgetCreated) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
	})

	assert.NotPanics(t, func() {
		b.Publish(widgetCreated{Name: "a"})
	})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, secondCalled, "second subscriber must still run after the first panics")
}
