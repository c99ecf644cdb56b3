/*
Package cache holds remote directory listings so that repeated lookups and
directory reads do not each cost a LIST round trip.

# Keys

Every path is normalized before use: backslashes become forward slashes, the
path is cleaned and rooted, and the root is "/". Callers may pass Windows
style paths from the FUSE layer without converting them first.

	NormalizePath(`\recent\TV\`)  // "/recent/TV"
	ParentPath("/recent/TV")      // "/recent"
	ParentPath("/")               // "/"

# Expiry and eviction

A listing is served while it is younger than the TTL (30s unless configured).
Older listings count as misses and are replaced on the next Set. When the
cache holds MaxEntries listings, Set drops the oldest quarter by capture time
before inserting.

	dc := cache.NewDirectoryCache(&cache.DirectoryConfig{TTL: time.Minute}, collector)
	if entries, ok := dc.Get("/recent"); ok {
		return entries, nil
	}
	entries, err := ops.List(ctx, "/recent")
	if err == nil {
		dc.Set("/recent", entries)
	}

# Single entry lookups

FindEntry answers a stat for a file from its parent's cached listing. A miss
there means "unknown", not "absent": the caller falls back to the server.

# Invalidation

Operations that change the server invalidate what they touched. Creating,
deleting or renaming a file calls InvalidateParent on the affected paths.
Removing a directory also calls Invalidate on the directory itself. Clear
drops everything and backs the manual cache refresh.

# Metrics

Hits and misses are reported per directory to the types.MetricsCollector
passed to NewDirectoryCache. Stats returns the running totals including
evictions and the hit rate.
*/
package cache
