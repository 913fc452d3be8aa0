// Package dedupe provides a time-bounded key/value cache used to recognise
// retried client sends and replay their original result.
package dedupe
