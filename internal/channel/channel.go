// Package channel holds the delivery strategies, one per transport. Every
// strategy reports its result as an Outcome; transport errors never escape.
package channel

import (
	"context"
	"sort"
	"time"
)

// Button is one inline keyboard button. Channels without keyboards ignore it.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Options are per-message hints. Each strategy uses what it understands.
type Options struct {
	NotificationID string
	Subject        string
	Template       string
	Keyboard       [][]Button
}

// Outcome is the normalized result of one delivery attempt.
type Outcome struct {
	Success           bool      `json:"success"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at,omitempty"`
	ErrorDetail       string    `json:"error,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(providerMessageID string, at time.Time) Outcome {
	return Outcome{Success: true, ProviderMessageID: providerMessageID, SentAt: at}
}

// Failed builds a failure outcome. An empty detail is replaced so the stored
// error message is never blank.
func Failed(detail string) Outcome {
	if detail == "" {
		detail = "unknown delivery error"
	}
	return Outcome{ErrorDetail: detail}
}

// Strategy delivers a rendered message through one transport.
type Strategy interface {
	Name() string
	Send(ctx context.Context, recipient, message string, opts Options) Outcome
	ValidateRecipient(recipient string) bool
}

// Registry maps channel keys to strategies. Built once at startup.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry keys each strategy by its Name. A later strategy with the same
// name replaces an earlier one.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Name()] = s
	}
	return r
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Names lists registered channel keys in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
