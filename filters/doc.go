// Package filters implements the ordered filter pipeline.
//
// A Pipeline holds three chains of stages: before-consuming stages run after a
// delivery arrives and before handlers are invoked, after-consuming stages run
// after the handlers succeed and before the delivery is acknowledged, and
// outgoing stages run once per send before the message reaches the transport.
// Stages run in registration order. A stage may mutate the message, pass it on,
// drop it, or reject it.
package filters
