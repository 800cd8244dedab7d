// Package presence holds the snapshot model and the transition detector.
//
// Everything here is pure: Detect, Carry and Fingerprint never touch I/O and
// never mutate their inputs.
package presence
