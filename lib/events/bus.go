/*
Copyright 2024 Nexus Terminal Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package events is the in-process pub/sub described in spec.md §4.F.
// Collaborators (audit, notifications) that are out of this repo's scope
// subscribe to the concrete event types declared here. Delivery is
// synchronous on the publisher's goroutine, per event type, to preserve
// ordering; subscribers must not block.
package events

import (
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "events")

// Bus is a typed, in-process publisher. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]func(any)
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type][]func(any))}
}

// Subscribe registers handler for every Publish call whose event has type T.
// Subscribers are expected to register at startup and are never removed
// (spec.md §5, "Shared resources").
func Subscribe[T any](b *Bus, handler func(T)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	wrapped := func(v any) {
		handler(v.(T))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], wrapped)
}

// Publish delivers event synchronously to every subscriber registered for
// its concrete type. A handler panic is recovered and logged — a blocking or
// panicking handler is a caller bug, but it must not corrupt the publisher's
// call stack (spec.md §4.F).
func (b *Bus) Publish(event any) {
	t := reflect.TypeOf(event)
	b.mu.RLock()
	handlers := append([]func(any){}, b.subs[t]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(handler func(any), event any) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("event", reflect.TypeOf(event)).Errorf("event subscriber panicked: %v", r)
		}
	}()
	handler(event)
}
