// pixl/utils/system.go
package utils

import (
	"time"
)

// Now is the clock used by all window and threshold logic. Tests swap it out.
var Now = time.Now

// GetSQLTime returns the current time in UTC for database storage.
func GetSQLTime() time.Time {
	return Now().UTC()
}
