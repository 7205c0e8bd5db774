// Package connection owns the single backend connection of a proxy.
//
// A Manager moves through four states:
//
//	Disconnected --attempt--> Connecting --established--> Connected
//	     ^                        |                          |
//	     +-------aborted----------+<---------dropped---------+
//
// Any state moves to Closed on close, and Closed is final. At most one
// connection attempt is in flight at a time; concurrent callers of Connect
// share it. Reconnection is lazy: a dropped connection is only replaced when
// the next caller asks for one.
package connection
