// Package contracts provides the message type that flows through the bus.
//
// A Message is transport agnostic: it carries an identifier, a type
// discriminator, a correlation identifier shared by every message of the same
// logical exchange, a header map and an opaque body. Transports translate it to
// and from their own wire representation through an Envelope.
package contracts
