package observability

import "go.uber.org/zap"

// Field is the structured logging field type used across the engine.
type Field = zap.Field

// Field constructors re-exported so call sites do not import zap directly.
var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Bool     = zap.Bool
	Float64  = zap.Float64
	Duration = zap.Duration
	Time     = zap.Time
	Error    = zap.Error
)
