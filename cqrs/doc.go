// Package cqrs composes bounded contexts that exchange commands and events
// over messaging endpoints.
//
// A BoundedContextRegistration declares, per context, which command types it
// accepts on which endpoints (with a dispatch priority), which events it
// listens to, where outbound commands and events are routed and which
// projections it feeds from other contexts. Command and event roles are
// mutually exclusive: a type or an endpoint used for one can not be used for
// the other within the same context.
//
// Registrations are materialized in two phases. Every Create runs first and
// adds a BoundedContext to the engine; every Process runs after that, so
// wiring that refers to a sibling context works regardless of declaration
// order.
//
//	orders := cqrs.NewBoundedContextRegistration("Orders")
//	_ = orders.SubscribeCommands(cqrs.Types(PlaceOrder{}), "orders.in", contracts.PriorityHigh)
//	_ = orders.AddEventsRoute(cqrs.Types(OrderPlaced{}), "orders.out")
//
//	engine, _ := cqrs.NewEngine(messagingEngine, endpoints, cqrs.WithRegistrations(orders))
//	_ = engine.Start(ctx)
//	_ = engine.SendCommand(ctx, PlaceOrder{ID: "o-1"}, "Orders", contracts.PriorityNormal)
package cqrs
