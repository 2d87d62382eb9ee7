// Package smime implements the Direct cryptographic pipeline: CMS signing,
// enveloping, decryption and signature verification of Direct messages.
//
// # Algorithm Suite
//
//   - CMS SignedData (RFC 5652) with SHA-256 digests. The signed content is
//     the canonical MIME entity produced by the message package, carried
//     opaquely so intermediate relays cannot alter line endings.
//
//   - CMS EnvelopedData with an AES-256-GCM content encryption key and one
//     RSA key-transport RecipientInfo per recipient certificate.
//
// Both structures are wrapped as application/pkcs7-mime entities with the
// smime-type parameter set to signed-data or enveloped-data.
//
// # State Transitions
//
// A message moves PLAINTEXT -> SIGNED -> SIGNED_AND_ENCRYPTED, or
// PLAINTEXT -> ENCRYPTED. Signing an encrypted message and encrypting an
// encrypted message are rejected.
//
// # Failure Reporting
//
// Decryption failures always carry the same message regardless of cause, so
// a remote party cannot tell a wrong key from corrupt data. The cause is
// kept in the audit record only. Decryption is never retried.
//
// Every Sign, Encrypt, Decrypt and Verify call appends exactly one audit
// event correlated by message id. Events carry serials and counts, never
// message content.
package smime
