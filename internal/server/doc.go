// Package server hosts the Fiber HTTP service, the request middleware chain and
// the bootstrap that assembles the media cache services from config. It builds
// the index, disk store, session cache, transport, controller and poller in a
// fixed order and exposes them through Services so cmd wiring and the routes
// package can share one instance. Keep exports narrow and accept explicit
// dependencies.
package server
