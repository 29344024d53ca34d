package cqrs

import (
	"iter"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/messaging"
)

// BoundedContext is the materialized routing of one context. Its tables are
// fixed once materialization finished; only runtime handles change afterwards.
type BoundedContext struct {
	name        string
	threadCount int

	commandSubscriptions map[string]map[reflect.Type]contracts.CommandPriority
	eventSubscriptions   map[reflect.Type]string
	commandRoutes        map[reflect.Type]string
	eventRoutes          map[reflect.Type]string
	projections          []*ProjectionBinding

	queue *CommandQueue

	mu            sync.Mutex
	subscriptions []messaging.Subscription
}

// ProjectionBinding feeds the events published by Source to Projection
type ProjectionBinding struct {
	Projection Projection
	Source     string

	// Events maps each event type Source publishes to its endpoint
	Events map[reflect.Type]string
}

func newBoundedContext(name string, threadCount int) *BoundedContext {
	return &BoundedContext{
		name:                 name,
		threadCount:          threadCount,
		commandSubscriptions: make(map[string]map[reflect.Type]contracts.CommandPriority),
		eventSubscriptions:   make(map[reflect.Type]string),
		commandRoutes:        make(map[reflect.Type]string),
		eventRoutes:          make(map[reflect.Type]string),
		queue:                NewCommandQueue(),
	}
}

// Name returns the context name
func (bc *BoundedContext) Name() string {
	return bc.name
}

// ThreadCount returns the command dispatch concurrency
func (bc *BoundedContext) ThreadCount() int {
	return bc.threadCount
}

// CommandEndpoint returns where commands of type t are sent: the explicit
// route if one exists, otherwise the endpoint the context subscribes t on
func (bc *BoundedContext) CommandEndpoint(t reflect.Type) (string, bool) {
	if endpoint, ok := bc.commandRoutes[t]; ok {
		return endpoint, true
	}
	for endpoint, group := range bc.commandSubscriptions {
		if _, ok := group[t]; ok {
			return endpoint, true
		}
	}
	return "", false
}

// EventEndpoint returns where events of type t are published: the explicit
// route if one exists, otherwise the endpoint the context subscribes t on
func (bc *BoundedContext) EventEndpoint(t reflect.Type) (string, bool) {
	if endpoint, ok := bc.eventRoutes[t]; ok {
		return endpoint, true
	}
	endpoint, ok := bc.eventSubscriptions[t]
	return endpoint, ok
}

// CommandPriority returns the priority t was subscribed with
func (bc *BoundedContext) CommandPriority(t reflect.Type) (contracts.CommandPriority, bool) {
	for _, group := range bc.commandSubscriptions {
		if p, ok := group[t]; ok {
			return p, true
		}
	}
	return contracts.PriorityNormal, false
}

// CommandEndpoints returns the endpoints commands are accepted on, sorted
func (bc *BoundedContext) CommandEndpoints() []string {
	return slices.Sorted(maps.Keys(bc.commandSubscriptions))
}

// CommandTypes returns the command types subscribed on endpoint
func (bc *BoundedContext) CommandTypes(endpoint string) []reflect.Type {
	return sortedTypes(maps.Keys(bc.commandSubscriptions[endpoint]))
}

// EventEndpoints groups the subscribed event types by endpoint
func (bc *BoundedContext) EventEndpoints() map[string][]reflect.Type {
	return groupByEndpoint(bc.eventSubscriptions)
}

// PublishedEvents groups the routed event types by endpoint
func (bc *BoundedContext) PublishedEvents() map[string][]reflect.Type {
	return groupByEndpoint(bc.eventRoutes)
}

// Projections returns the projections fed into this context
func (bc *BoundedContext) Projections() []*ProjectionBinding {
	return slices.Clone(bc.projections)
}

// PendingCommands returns the number of queued commands not yet dispatched
func (bc *BoundedContext) PendingCommands() int {
	return bc.queue.Len()
}

func (bc *BoundedContext) track(sub messaging.Subscription) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.subscriptions = append(bc.subscriptions, sub)
}

func (bc *BoundedContext) release() []messaging.Subscription {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	subs := bc.subscriptions
	bc.subscriptions = nil
	return subs
}

func groupByEndpoint(table map[reflect.Type]string) map[string][]reflect.Type {
	grouped := make(map[string][]reflect.Type)
	for t, endpoint := range table {
		grouped[endpoint] = append(grouped[endpoint], t)
	}
	for endpoint, types := range grouped {
		grouped[endpoint] = sortedTypes(slices.Values(types))
	}
	return grouped
}

func sortedTypes(seq iter.Seq[reflect.Type]) []reflect.Type {
	return slices.SortedFunc(seq, func(a, b reflect.Type) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
}
