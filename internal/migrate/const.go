package migrate

import "time"

// defaultCallTimeout bounds coordinator CAS calls made from inside
// the migration protocol, where there is no caller-supplied context
// deadline (e.g. reacting to a stream error).
const defaultCallTimeout = 5 * time.Second
