// Package janitor sweeps tasks that got stuck in_progress. The engine runner
// guarantees a terminal write for runs in the current process; the janitor
// covers everything else: crashes, kills, and restarts mid-run.
package janitor
