// Package lolfs implements a small, fixed-layout disk filesystem whose
// image may optionally be embedded inside a host container (see
// container.go for the base-offset contract consumed from such a host).
//
// The on-disk layout is a superblock followed by a flat inode store, an
// inode bitmap, a block bitmap, and a data region. Files and directories
// are addressed through a single-block, flat extent index rather than a
// tree, and file data optionally passes through a compress-then-encrypt
// codec pipeline gated by a password-derived master key.
//
// This package is the core engine only: it exposes synchronous,
// in-process operations (Format, Open, Close, Unlock, file and directory
// calls) and leaves VFS glue, CLI frontends, and container-section
// discovery to callers.
package lolfs
