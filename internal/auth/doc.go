// Package auth issues and validates the bearer tokens accepted by the
// operator API.
//
// Tokens are HS256 JWTs signed with the configured api.jwt_secret. They
// carry a subject and a role; permissions are derived from the role:
//
//	viewer:   device:read, history:read
//	operator: viewer + device:operate
//	admin:    operator + system:admin
//
// There is no user database. Tokens are minted out of band with
// `treeowbridge -issue-token <subject>` and revoked by rotating the secret.
package auth
