// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// fbd is a userspace daemon using the golang buse library to create a
// block device backed by a repository of ordinary files. A device of
// an arbitrary declared size consumes disk space only for the chunks
// that have actually been written: a chunk's backing file is created
// on the first write landing inside it, reads of untouched chunks are
// synthesized as zeros.
//
// The storage engine is split into small packages. repo owns the
// on-disk layout and the crash-atomic persistence of the allocation
// table, chunk allocates backing files exactly once under concurrent
// first-touch writes, dispatch splits logical operations at chunk
// boundaries and performs the file I/O, and recovery reconciles the
// table with the chunks directory after an unclean shutdown. This
// package only translates between the buse shared-memory protocol and
// the dispatcher.
package fbd
