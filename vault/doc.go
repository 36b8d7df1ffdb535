/*
Package vault is the secvault engine: a fixed table of independently
locked vault records, the control plane that creates, rekeys, erases, and
deletes them, and the data plane that reads, writes, and seeks within one
vault's byte range.

Every operation locks exactly one record, validates state and ownership
under that lock, mutates, and unlocks.  No call ever holds two record
locks, so unrelated vaults never wait on each other.  Lock waits take a
context; a cancelled wait returns ErrInterrupted.

Data is stored XORed with a position-dependent keystream (see Transform).
This hides vault contents from casual inspection of memory dumps; it is
not meant to resist cryptanalysis.
*/
package vault
