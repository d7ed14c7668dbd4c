package attempt

import "time"

// Clock is the engine's single time authority. Every duration computation
// reads from it; client-supplied wall-clock values are never trusted.
type Clock func() time.Time
