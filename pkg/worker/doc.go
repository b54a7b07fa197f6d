/*
Package worker holds the background loops that keep the storage tiers
converged: the syncer replicates local version payloads to the object
store, the culler reclaims local disk from replicated payloads, and the
monitor watches the primary metadata database and flips the service in
and out of read-only mode.

Each worker follows the same shape: a New constructor, Start launching a
ticker loop on a goroutine, and Stop closing the stop channel. The loops
also expose their single iteration as a public method so tests and admin
endpoints can drive them synchronously.
*/
package worker
