/*
Package types provides the value types shared between the framecache packages.

The image cache manages two independent resource pools. Every pool-qualified
operation in the module names its pool with a Pool value:

	types.PoolGPU  // texture memory resident on the graphics device
	types.PoolCPU  // host memory holding decoded pixel data

Capacity configuration lives in one of two scopes:

	types.ScopeDefault   // persisted user-wide default
	types.ScopeOverride  // optional per-document override

PoolStats is the telemetry snapshot a pool reports to the settings panel,
the metrics collector and the HTTP API. It is produced under the pool's read
lock, so its counters are always consistent with each other.

Names arriving from outside the process (HTTP paths, config files) are
converted with ParsePool and ParseScope; both reject unknown names instead of
guessing.
*/
package types
