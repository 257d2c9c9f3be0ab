// Package entity extracts structured values such as order ids and product
// phrases from raw user text. Extraction is pure and deterministic.
package entity
