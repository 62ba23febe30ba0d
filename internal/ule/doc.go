// Package ule implements unpacked leaf entries: the multi-version record kept
// for one key in a leaf basement.
//
// An Entry is a committed stack (oldest first, never empty) followed by a
// provisional stack (outermost transaction first). Each record carries the
// transaction that produced it and is an insert, a delete, or a placeholder
// standing in for an ancestor transaction that has not written the key.
//
// Entries change only through Apply. Messages arrive already de-duplicated by
// MSN; Apply itself is unconditional.
package ule
