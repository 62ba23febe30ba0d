// Package block maps block numbers to on-disk locations.
//
// A Table keeps three translations: the current one used by readers and
// writers, the in-progress one being assembled by a running checkpoint, and
// the checkpointed one describing the last durable image. A location stays
// allocated while any translation references it, so blocks of the last
// checkpoint survive until the next checkpoint ends.
//
// Devices store the bytes. FileDevice keeps everything in one locked file
// with two alternating header slots; BlobDevice keeps one blob per block and
// a CURRENT pointer to the latest header.
package block
