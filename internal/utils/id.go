package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewConnID returns a short random identifier for one directory connection.
// It only needs to be unique among live connections of this process.
func NewConnID() string {
	return "c" + strings.ReplaceAll(uuid.NewString(), "-", "")[:15]
}
