package ouroborosvault

import "errors"

var (
	ErrProfileAlreadyExists = errors.New("profile already exists")
	ErrStoreNotInitialized  = errors.New("store has no profile, initialize it first")
	ErrStoreAlreadyUnlocked = errors.New("store is already unlocked")
	ErrLocked               = errors.New("store is locked")

	// ErrIncorrectPassword covers every failure to open the master key with the derived KEK.
	// A wrong password and a corrupted master key row are deliberately indistinguishable.
	ErrIncorrectPassword = errors.New("incorrect password")

	ErrKeyDoesNotExist = errors.New("key does not exist")
	ErrVaultNotFound   = errors.New("vault not found")
	ErrItemNotFound    = errors.New("item not found")

	// ErrRecordTampered is returned when a vault record fails its MAC check.
	ErrRecordTampered = errors.New("record failed its integrity check")
)
