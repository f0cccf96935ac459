package config

import "errors"

// ErrConfigInvalid is returned by EngineConfig.Validate when the
// configuration violates a documented constraint (unknown strategy,
// out-of-band source weight, negative limit). Wrapped with context via
// fmt.Errorf("%w: ...", ErrConfigInvalid, ...).
var ErrConfigInvalid = errors.New("invalid engine configuration")
