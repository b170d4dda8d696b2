// Package ir defines the value types shared by every treesync component.
//
// Types:
//   - Edge: a "child is an ordered child of parent" relationship
//   - Child: one ordered entry in a parent's child list
//   - Notification: an inbound change notification (node:* or edge:*)
//
// Node ids are opaque strings. They are trimmed and NFC-normalized at every
// boundary (NormalizeID) so that the same logical id always maps to the same
// key regardless of how a producer encoded it.
//
// Canonical JSON (MarshalCanonical) and domain-separated SHA-256 (Fingerprint)
// give structural snapshots a stable byte representation for equality checks.
package ir
