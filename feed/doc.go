// Package feed seeds a data sink from a request/reply round trip and then
// attaches live updates.
//
// A feed variant is described by an Initializer: where to send the init
// request, what to send, how to extract the initial data from the response and
// how to attach the live stream. Subscribe drives the sequence:
//
//	closer := feed.Subscribe(ctx, requester, quotes, "EURUSD", feed.SinkFuncs[Quote]{
//		Next:  func(q Quote) { ... },
//		Error: func(err error) { ... },
//	})
//	defer closer.Close()
//
// Initial data is delivered only when the init request succeeds. Any failure
// before that goes to the sink's OnError and no data is delivered.
package feed
