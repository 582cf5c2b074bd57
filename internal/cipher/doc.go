// Package cipher owns key material: long-term device keys, pre-key
// bundle exchange, the pairwise trust table, and the Gateway facade the
// transport uses to encrypt per-recipient payloads.
package cipher
