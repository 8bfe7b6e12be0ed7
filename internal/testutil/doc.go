// Package testutil provides test fixtures and helpers shared by the
// authorization server's packages: a controllable clock, random values,
// PKCE pairs and fake users and clients.
package testutil
