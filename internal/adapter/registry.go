// Package adapter binds integration event types to translators that emit
// local domain events. Translation maps fields only; business reactions
// belong to domain listeners.
package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/regmesh/regmesh/errs"
	"github.com/regmesh/regmesh/internal/domain/correlation"
	"github.com/regmesh/regmesh/internal/domain/event"
	"github.com/regmesh/regmesh/internal/inbox"
)

// Translator maps one integration event into this module's domain model,
// typically by publishing a domain event on the module's domainbus.
type Translator func(ctx context.Context, evt event.Integration) error

// Registry holds explicit type-to-translator bindings. Registration is
// explicit and closed: one translator per event type.
type Registry struct {
	module string

	mu          sync.RWMutex
	translators map[event.Type]Translator
}

// NewRegistry constructs a registry for the named module.
func NewRegistry(module string) (*Registry, error) {
	name := strings.TrimSpace(module)
	if name == "" {
		return nil, errs.New("adapter/registry", errs.KindInvalid, errs.WithMessage("module name required"))
	}
	return &Registry{
		module:      name,
		translators: make(map[event.Type]Translator),
	}, nil
}

// Register binds a translator to an event type. A second binding for the same
// type is a programming error.
func (r *Registry) Register(typ event.Type, translator Translator) error {
	if typ == "" {
		return errs.New("adapter/registry", errs.KindInvalid, errs.WithMessage("event type required"))
	}
	if translator == nil {
		return errs.New("adapter/registry", errs.KindInvalid, errs.WithMessage("translator required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.translators[typ]; ok {
		return errs.New("adapter/registry", errs.KindInvalid,
			errs.WithMessage("translator already registered for "+string(typ)))
	}
	r.translators[typ] = translator
	return nil
}

// Types returns the event types with registered translators.
func (r *Registry) Types() []event.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]event.Type, 0, len(r.translators))
	for typ := range r.translators {
		types = append(types, typ)
	}
	return types
}

// Bind attaches every registered translator to the dispatcher. The attached
// listener skips inbox replays unconditionally: replay re-drives module
// listeners, never the translation layer, so no duplicate domain events are
// minted.
func (r *Registry) Bind(dispatcher *inbox.Dispatcher) error {
	if dispatcher == nil {
		return errs.New("adapter/registry", errs.KindInvalid, errs.WithMessage("dispatcher required"))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for typ, translator := range r.translators {
		translator := translator
		listener := func(ctx context.Context, evt event.Integration) error {
			if correlation.From(ctx).IsInboxReplay() {
				return nil
			}
			return translator(ctx, evt)
		}
		if err := dispatcher.Subscribe(typ, listener); err != nil {
			return err
		}
	}
	return nil
}
