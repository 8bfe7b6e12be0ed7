// Package storage defines the persistence contracts of the authorization server.
//
// The contracts are split by concern:
//   - ClientStore: registered client applications
//   - CodeStore: single-use authorization codes
//   - TokenStore: access/refresh token pairs
//   - ConsentStore: per (user, app) consent records
//   - UserStore: read-only view of the user directory
//
// Store combines them. Every backend must provide the atomicity guarantees
// documented on each method; storagetest.Run checks them.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage with transactional cascades
//   - storage/redis: Redis storage using optimistic transactions and key TTLs
package storage
