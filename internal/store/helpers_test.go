package store

import "time"

func testNow() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
