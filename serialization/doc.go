// Package serialization converts order messages to and from the bytes that
// travel over the broker.
//
// The JSONCodec writes version 1 of the wire layout, a MassTransit compatible
// JSON envelope. Decoding tolerates envelopes written by MassTransit itself,
// which carry no wireVersion field.
package serialization
