// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"container/list"
	"sync"
)

// StreamHandler is called in its own goroutine for each inbound stream.
type StreamHandler func(*Stream)

// handlerRegistry keeps OnStream subscribers in registration order. The
// oldest live subscriber receives each inbound stream.
type handlerRegistry struct {
	lock     sync.Mutex
	handlers *list.List
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: list.New()}
}

// add registers h and returns a function removing it again. Removal is
// constant time and leaves the order of the other handlers alone.
func (r *handlerRegistry) add(h StreamHandler) func() {
	r.lock.Lock()
	elem := r.handlers.PushBack(h)
	r.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lock.Lock()
			r.handlers.Remove(elem)
			r.lock.Unlock()
		})
	}
}

func (r *handlerRegistry) first() StreamHandler {
	r.lock.Lock()
	defer r.lock.Unlock()
	if front := r.handlers.Front(); front != nil {
		return front.Value.(StreamHandler)
	}
	return nil
}

func (r *handlerRegistry) len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.handlers.Len()
}
