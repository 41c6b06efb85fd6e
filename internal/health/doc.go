// Package health provides composable probes and the liveness and readiness
// handlers served on both the public and ops listeners.
//
// [ShutdownGate] fails readiness as soon as shutdown begins so load
// balancers stop routing before in-flight requests drain.
package health
