// Package contracts defines the wire contract shared by publishers and handlers.
//
// It covers:
//   - SenderType: the three addressing modes (Multi, Any, Unique)
//   - Envelope: message body plus the string headers carried on the wire
//   - Header keys and content types understood by every node
//   - MessageHandler: the business collaborator that receives decoded payloads
//
// The header names are part of the protocol between processes and must not change.
package contracts
