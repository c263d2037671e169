// Package types defines the canonical data model shared by every backend:
// messages, content blocks, tools, usage accounting and stream events.
//
// Request bodies are decoded strictly (DecodeRequest rejects unknown fields at
// every level). Response bodies are decoded leniently so that fields added by
// the server later do not break older clients. Tagged variants use a
// snake_case "type" discriminator.
//
// Every value produced by a decoder serializes back to bytes that decode to an
// equal value.
package types
