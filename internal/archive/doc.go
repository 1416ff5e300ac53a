// Package archive ships superseded segment files away from the data
// directory.
//
// Compaction leaves the previous copy of every rewritten or retired segment
// next to the live file with a .bak suffix. An Archiver compresses such a
// file, stores it in a Store (a local directory or a MinIO/S3 bucket) and
// removes the local copy.
//
//	store := archive.NewLocalStore("/var/backups/kvs")
//	a := archive.New(store, archive.Zstd(), archive.WithLogger(logger))
//	name, err := a.Archive(ctx, "/var/lib/kvs/file_3.bdd.bak")
package archive
