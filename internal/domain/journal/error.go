package journal

import (
	"errors"
)

var (
	ErrNotFound        = errors.New("journal entry not found")
	ErrInvalidData     = errors.New("invalid journal entry data")
	ErrVersionConflict = errors.New("journal entry version conflict")
	ErrEntryDeleted    = errors.New("journal entry was deleted")
)
