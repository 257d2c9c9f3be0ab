// Package commerce defines the commerce collaborator used to answer order,
// product, return and shipping questions.
//
// Two implementations ship with the gateway: Catalog, an in-memory demo
// catalog, and HTTPClient, a REST client for a real backend. Both report
// ordinary misses with ErrNotFound.
package commerce
