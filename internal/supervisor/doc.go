// Package supervisor manages the OS processes backing replicas: it launches
// them, keeps their handles, and terminates or restarts them on demand.
// Restarts are never triggered here; callers decide when a replica must be
// restarted.
package supervisor
