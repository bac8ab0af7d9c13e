package memory

import "errors"

// Error taxonomy for the memory store. Callers distinguish failure
// classes with errors.Is; everything else is wrapped detail.
var (
	// ErrStorageUnavailable wraps I/O failures opening or using a tier file.
	ErrStorageUnavailable = errors.New("memory storage unavailable")

	// ErrRecordNotFound is returned on a retrieve/delete miss.
	ErrRecordNotFound = errors.New("memory record not found")

	// ErrDecryptionFailed is returned when stored ciphertext cannot be
	// decrypted with the current key. Raw ciphertext is never handed back
	// as if it were plaintext.
	ErrDecryptionFailed = errors.New("memory record decryption failed")

	// ErrSerialization wraps content encode/decode failures.
	ErrSerialization = errors.New("memory content serialization failed")

	// ErrInvalidArgument is returned for out-of-range scalars, empty ids,
	// forbidden tags, and oversized content.
	ErrInvalidArgument = errors.New("invalid memory argument")
)
