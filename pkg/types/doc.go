/*
Package types provides the core interfaces and data structures shared across ftpsdrive.

# Architecture Overview

ftpsdrive projects a remote FTPS tree as a local filesystem:

	┌─────────────────────────────────────────────┐
	│          Host adapter (FUSE / WinFsp)       │
	│                internal/fuse                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Filesystem projection engine         │
	│             internal/filesystem             │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴────────┐     ┌─────────┴─────────┐
	│  Directory cache │     │   Remote (FTPS)   │
	│  internal/cache  │     │ internal/storage/ │
	└──────────────────┘     │  ftp: pool, CPSV  │
	                         └───────────────────┘

# Core Interfaces

Remote:
The whole-file operations the engine needs from the server: listing, download,
upload, rename, delete, directory creation and a liveness probe. The FTPS
implementation borrows a pooled control connection for every call.

MetricsCollector:
Operation, cache and connection metrics, implemented by internal/metrics on top
of Prometheus. Components that are built without a collector use NopMetrics.

# Data Structures

RemoteEntry:
One row of a directory listing. Entries are immutable once returned and are
shared between the cache and open directory handles.

# Interface Contracts

 1. Context awareness: every remote call accepts a context.Context and must stop
    promptly when it is canceled.
 2. Error handling: implementations return *errors.DriveError values so callers
    can map failures onto filesystem status codes.
 3. Whole files: there are no range reads or partial uploads.
*/
package types
