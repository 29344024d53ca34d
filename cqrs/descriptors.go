package cqrs

import (
	"fmt"
	"maps"
	"reflect"

	"github.com/glimte/mmate-cqrs/contracts"
)

type subscriptionDescriptor struct {
	events   map[reflect.Type]string
	commands map[string]map[reflect.Type]contracts.CommandPriority
}

func (d *subscriptionDescriptor) Dependencies() []reflect.Type {
	return nil
}

func (d *subscriptionDescriptor) Create(bc *BoundedContext, resolve func(reflect.Type) (any, error)) error {
	maps.Copy(bc.eventSubscriptions, d.events)
	for endpoint, group := range d.commands {
		bc.commandSubscriptions[endpoint] = maps.Clone(group)
	}
	return nil
}

func (d *subscriptionDescriptor) Process(bc *BoundedContext, engine Engine) error {
	return nil
}

type routingDescriptor struct {
	events   map[reflect.Type]string
	commands map[reflect.Type]string
}

func (d *routingDescriptor) Dependencies() []reflect.Type {
	return nil
}

func (d *routingDescriptor) Create(bc *BoundedContext, resolve func(reflect.Type) (any, error)) error {
	maps.Copy(bc.eventRoutes, d.events)
	maps.Copy(bc.commandRoutes, d.commands)
	return nil
}

func (d *routingDescriptor) Process(bc *BoundedContext, engine Engine) error {
	return nil
}

// projectionDescriptor holds either an instance or a type resolved on Create
type projectionDescriptor struct {
	instance    Projection
	handlerType reflect.Type
	from        string

	resolved Projection
}

func (d *projectionDescriptor) Dependencies() []reflect.Type {
	if d.handlerType == nil {
		return nil
	}
	return []reflect.Type{d.handlerType}
}

func (d *projectionDescriptor) Create(bc *BoundedContext, resolve func(reflect.Type) (any, error)) error {
	if d.instance != nil {
		d.resolved = d.instance
		return nil
	}

	v, err := resolve(d.handlerType)
	if err != nil {
		return fmt.Errorf("failed to resolve projection %v: %w", d.handlerType, err)
	}
	p, ok := v.(Projection)
	if !ok {
		return fmt.Errorf("%w: resolved %T for %v does not implement Projection", contracts.ErrInvalidArgument, v, d.handlerType)
	}
	d.resolved = p
	return nil
}

func (d *projectionDescriptor) Process(bc *BoundedContext, engine Engine) error {
	source, ok := engine.BoundedContext(d.from)
	if !ok {
		return contracts.NewConfigConflict("bounded context "+bc.name,
			fmt.Sprintf("projection %T from '%s'", d.resolved, d.from),
			fmt.Sprintf("bounded context '%s' is not registered", d.from))
	}

	bc.projections = append(bc.projections, &ProjectionBinding{
		Projection: d.resolved,
		Source:     source.name,
		Events:     maps.Clone(source.eventRoutes),
	})
	return nil
}
