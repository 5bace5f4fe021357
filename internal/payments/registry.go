package payments

import (
	"fmt"
	"net/http"
	"slices"
	"time"
)

// Registry maps each payment method to the adapter serving it.
type Registry struct {
	providers map[Method]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Method]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Method()] = p
	}
	return r
}

// NewMockRegistry wires the simulated M-Pesa, eMola and card adapters.
func NewMockRegistry(delay time.Duration) *Registry {
	return NewRegistry(NewMPesa(delay), NewEMola(delay), NewCard(delay))
}

// NewGatewayRegistry routes every method through the payment proxy at baseURL.
func NewGatewayRegistry(baseURL string, client *http.Client) *Registry {
	return NewRegistry(
		NewGateway(baseURL, MethodMPesa, client),
		NewGateway(baseURL, MethodEMola, client),
		NewGateway(baseURL, MethodCard, client),
	)
}

func (r *Registry) Get(m Method) (Provider, error) {
	p, ok := r.providers[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
	return p, nil
}

// Methods lists the configured methods in a stable order.
func (r *Registry) Methods() []Method {
	out := make([]Method, 0, len(r.providers))
	for m := range r.providers {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}
