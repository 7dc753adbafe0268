package activity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOrderNumber builds a time-prefixed order number with a random
// suffix. Uniqueness is enforced by the store (unique column or map
// lookup) with collision retry, not assumed from randomness.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ORD" + now.UTC().Format("20060102150405") + suffix[:6]
}
