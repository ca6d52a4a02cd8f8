// Package drivers wraps each transport sub-protocol (session, browser,
// advertiser and the two UI-assisted variants) in a start/stop driver that
// owns an event producer.
//
// A producer is the delegate handed to the transport. It translates each
// callback 1:1 into a typed event and sets it on its observable; it holds no
// logic of its own. Events nobody is subscribed to are dropped, since an
// observable keeps only the latest value.
//
// The neutral value of every event bus is nil.
package drivers
