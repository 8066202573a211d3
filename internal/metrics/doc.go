/*
Package metrics defines the Prometheus collectors exposed by a replica
host and the /healthz, /readyz, /livez handlers served alongside them.

Metrics are package-level collectors registered once at init via
prometheus.MustRegister, following the same global-registry pattern
pkg/engine, pkg/secondarypump, pkg/copymanager, and pkg/notify all
call into directly rather than threading a collector reference through
every constructor.

# Categories

  - engine: commit latency, pending lazy-commit count
  - replicatedstore: simple-tx group size
  - secondarypump: apply lag in LSNs, apply error counts
  - copymanager: archive registry size, bytes written, waiter queue depth
  - notify: per-replica queue depth, count of notifications discarded on role loss
  - migration: rows mirrored, active phase

# Health

RegisterComponent/UpdateComponent record the health of a named
component (engine, transport, pump); GetReadiness gates on "engine",
"transport", and "pump" all being registered healthy.
*/
package metrics
