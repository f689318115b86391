// Package auth resolves the backend credential that applies to a single
// tool invocation.
//
// The order is fixed:
//
//  1. a direct credential header (X-Relay-Api-Key, X-Api-Key, Relay-Api-Key),
//     first non-empty value wins;
//  2. Authorization: Bearer <token>, scheme matched case-insensitively;
//  3. the process-wide default configured with WithDefaultCredential.
//
// Only presence is checked. Whether the backend accepts the credential is
// decided by the backend.
package auth
