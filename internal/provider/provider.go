// Package provider sends chat turns to the upstream model vendors.
package provider

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Request is one user turn plus the prior conversation.
type Request struct {
	Model   catalog.Model
	History []chat.Message
	Message string
	Image   string // data URL
}

// Provider completes a request against one vendor.
type Provider interface {
	Name() catalog.Provider
	Complete(ctx context.Context, req Request) (string, error)
}

// Streamer is implemented by providers that can emit partial output.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error)
}

// CheckCapabilities rejects inputs the model cannot accept.
func CheckCapabilities(req Request) error {
	if req.Image == "" {
		return nil
	}
	if !req.Model.Supports(catalog.Vision) {
		return &Error{
			Provider: req.Model.Provider,
			Kind:     KindCapability,
			Message:  fmt.Sprintf("The selected model (%s) does not support image input. Please choose a model with Vision capability.", req.Model.Name),
		}
	}
	if _, err := ParseDataURL(req.Image); err != nil {
		return &Error{Provider: req.Model.Provider, Kind: KindCapability, Message: err.Error(), Err: err}
	}
	return nil
}

// historyForModel drops images from earlier turns when the model cannot see them.
func historyForModel(req Request) []chat.Message {
	if req.Model.Supports(catalog.Vision) {
		return req.History
	}
	out := make([]chat.Message, len(req.History))
	for i, msg := range req.History {
		msg.Image = ""
		out[i] = msg
	}
	return out
}

// Dispatcher routes requests to the provider that serves the model.
type Dispatcher struct {
	mu        sync.RWMutex
	providers map[catalog.Provider]Provider
}

func NewDispatcher(providers ...Provider) *Dispatcher {
	d := &Dispatcher{providers: make(map[catalog.Provider]Provider)}
	for _, p := range providers {
		d.Register(p)
	}
	return d
}

// Register adds or replaces the provider for its vendor. Nil providers are ignored.
func (d *Dispatcher) Register(p Provider) {
	if p == nil {
		return
	}
	d.mu.Lock()
	d.providers[p.Name()] = p
	d.mu.Unlock()
}

// Available reports whether a provider is configured for the vendor.
func (d *Dispatcher) Available(name catalog.Provider) bool {
	_, ok := d.lookup(name)
	return ok
}

func (d *Dispatcher) lookup(name catalog.Provider) (Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

func (d *Dispatcher) resolve(req Request) (Provider, error) {
	if err := CheckCapabilities(req); err != nil {
		return nil, err
	}
	p, ok := d.lookup(req.Model.Provider)
	if !ok {
		return nil, &Error{
			Provider: req.Model.Provider,
			Kind:     KindUnavailable,
			Message:  fmt.Sprintf("Provider %s is not configured", req.Model.Provider),
		}
	}
	return p, nil
}

// Dispatch sends the request and returns the full reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	p, err := d.resolve(req)
	if err != nil {
		return "", err
	}
	req.History = historyForModel(req)
	reply, err := p.Complete(ctx, req)
	if err != nil {
		log.Printf("[provider] %s %s failed: %v", req.Model.Provider, req.Model.ID, err)
		return "", err
	}
	return reply, nil
}

// DispatchStream streams deltas when the provider supports it. Otherwise the
// full reply is delivered as a single delta.
func (d *Dispatcher) DispatchStream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	p, err := d.resolve(req)
	if err != nil {
		return "", err
	}
	req.History = historyForModel(req)

	streamer, ok := p.(Streamer)
	if !ok {
		reply, err := p.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		if onDelta != nil {
			if err := onDelta(reply); err != nil {
				return "", err
			}
		}
		return reply, nil
	}

	reply, err := streamer.Stream(ctx, req, onDelta)
	if err != nil {
		log.Printf("[provider] %s %s stream failed: %v", req.Model.Provider, req.Model.ID, err)
		return "", err
	}
	return reply, nil
}
