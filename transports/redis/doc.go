// Package redis implements messaging.Session over Redis pub/sub.
//
// A destination is a pub/sub channel. Messages travel as JSON documents holding
// the type tag, the body and the headers. Pub/sub keeps no backlog, so only
// subscribers that are connected when a message is published receive it.
package redis
