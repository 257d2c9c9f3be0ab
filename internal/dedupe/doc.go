// Package dedupe provides a replay cache: the result of a request is kept
// under its client-supplied key for a configurable window so retries return
// the original result instead of being processed again.
package dedupe
