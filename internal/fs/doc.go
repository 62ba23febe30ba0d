// Package fs provides file system abstractions for testability and fault
// injection.
//
//   - [File] and [FileSystem] abstract the os package.
//   - [LocalFS] is the production implementation, available as [Default].
//   - [FaultyFS] injects read, write, sync and close failures per file name.
//   - [Lock] takes an exclusive advisory lock so two environments never
//     share a container file.
//
// Operations take no context.Context: local file operations are not
// interruptible at the syscall level. Remote storage goes through blobstore.
package fs
