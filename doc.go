/*

Secvault keeps a fixed number of small encrypted byte regions ("vaults")
in memory for as long as the daemon runs.  Each vault belongs to the user
that created it; nobody else can read, write, rekey, erase, or delete it.

Vocabulary:

- vault: one fixed-capacity encrypted storage slot, addressed by id 0..N-1
- record: the engine's per-slot state; either unallocated or active
- owner: identity (uid) of the caller that created an active vault
- key: ten-byte cipher key; shorter keys are zero padded
- size: capacity of a vault in bytes, fixed at create time
- used space: high-water mark of written bytes; reads stop there
- keystream offset: absolute byte position selecting the key byte a
  plaintext byte is XORed with
- control plane: create, change-key, erase, and delete requests sent to
  the daemon's sv_ctl socket
- data plane: open, seek, read, write, and close on a vault's entry point
- entry point: the sv_data<id> file that exists while a vault is active
- handle: an open data-plane session with its own cursor

Nothing is ever written to disk.  Restarting the daemon loses every vault.

*/

package secvault
