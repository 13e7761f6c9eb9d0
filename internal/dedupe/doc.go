// Package dedupe provides a time-bounded claim cache used to guarantee that a
// stored message is published to realtime subscribers at most once, even when
// retries or concurrent workers try to publish it again.
package dedupe
