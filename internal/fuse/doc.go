/*
Package fuse binds the filesystem projection engine to a user-mode
filesystem host.

Two hosts are supported through build constraints:

  - Default builds use github.com/hanwen/go-fuse/v2 on Linux and macOS.
  - Builds with -tags cgofuse use github.com/winfsp/cgofuse, which drives
    WinFsp on Windows and libfuse elsewhere.

Both adapters translate host callbacks into engine calls in the same way:

	lookup / getattr   GetFileInfoByName (GetFileInfo with a handle)
	open               Open, then Overwrite for O_TRUNC
	create / mkdir     Create
	read / write       Read / Write on the handle's node
	flush / fsync      Cleanup without flags, which uploads dirty content
	release            Close
	unlink / rmdir     Open, CanDelete, Cleanup with CleanupDelete, Close
	rename             Rename
	truncate           SetFileSize
	statfs             GetVolumeInfo

Engine status codes are reported to the host as errno values by Errno.
Attribute and entry timeouts come from the engine's FileInfoTimeout so the
kernel never caches metadata longer than the directory cache would.

# Mounting

	host := fuse.NewHost(engine, &fuse.MountConfig{
		MountPoint:  "/mnt/ftps",
		VolumeLabel: "ftpsdrive",
	}, logger, metrics)
	if err := host.Mount(ctx); err != nil {
		return err
	}
	defer host.Unmount()
*/
package fuse
