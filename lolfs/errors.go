package lolfs

import "errors"

// Sentinel errors for the core error taxonomy. Adapters and tests should
// compare with errors.Is, since internal call sites wrap these with
// fmt.Errorf("...: %w", ...) to add the failing operation's context.
var (
	// ErrInvalidImage covers a bad superblock magic, bad version, unknown
	// algorithm id, or an out-of-range pointer found in on-disk metadata.
	ErrInvalidImage = errors.New("invalid filesystem image")

	// ErrNoSpace is returned when a bitmap cannot satisfy an allocation,
	// or a file would exceed the extent-capacity bound of an index block.
	ErrNoSpace = errors.New("no space left on device")

	// ErrNotFound is returned by lookups of a missing directory entry or
	// xattr.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a name that already exists, or
	// setting a create-only xattr that already has a value.
	ErrExists = errors.New("already exists")

	// ErrTooBig is returned when a name exceeds 255 bytes, an inline
	// symlink target exceeds 27 bytes, or an xattr value exceeds 65535
	// bytes.
	ErrTooBig = errors.New("value too big")

	// ErrPermissionDenied is returned for an encrypted operation attempted
	// while the filesystem is locked.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAuthFailure is reserved for AEAD modes that authenticate block
	// ciphertext; no algorithm in this implementation reaches it yet.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrIO wraps a failure to read or write the backing byte array.
	ErrIO = errors.New("i/o error")

	// ErrNotSupported is returned for a recognized but not-yet-usable
	// algorithm id (ChaCha20-Poly1305 at format time; see codec.go).
	ErrNotSupported = errors.New("not supported")

	// ErrNotDirectory / ErrIsDirectory guard directory-shaped operations.
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")

	// ErrNotEmpty is returned when removing a non-empty directory.
	ErrNotEmpty = errors.New("directory not empty")
)
