package physics

import "go.uber.org/zap"

// Logger is the engine's single logging choke point. A nil *Logger
// (or one built over zap.NewNop()) is always safe to call, so the
// engine runs even when left unconfigured.
type Logger struct {
	z *zap.Logger
}

// NewLogger wraps z. A nil z falls back to a no-op logger.
func NewLogger(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

func (l *Logger) zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// capacityExceeded reports a "Capacity exceeded" event: the step
// continues, the effect is limited to missing contacts/pairs/islands,
// and nothing is corrupted.
func (l *Logger) capacityExceeded(resource string, requested, limit int) {
	l.zap().Warn("physics: capacity exceeded, step continues with reduced fidelity",
		zap.String("resource", resource), zap.Int("requested", requested), zap.Int("limit", limit))
}

// degenerateGeometry traces a skipped zero-length-normal narrowphase
// result.
func (l *Logger) degenerateGeometry(where string) {
	l.zap().Debug("physics: degenerate geometry skipped", zap.String("where", where))
}

// assertf is the release-build half of a debug assertion. It traces at
// Error level and returns whether the condition held, so callers bail
// out of the offending operation instead of corrupting state. There is
// no panic and no error return: misuse degrades, it does not throw.
func (l *Logger) assertf(cond bool, format string, args ...any) bool {
	if cond {
		return true
	}
	l.zap().Sugar().Errorf("physics: assertion failed: "+format, args...)
	return false
}

// dpanic logs at DPanic level: panics in development builds (zap's
// convention, via the development-mode *zap.Logger the caller
// constructs), traces-and-continues in production builds.
func (l *Logger) dpanic(msg string, fields ...zap.Field) {
	l.zap().DPanic(msg, fields...)
}

func (l *Logger) wrongPhase(job, phase string) {
	l.dpanic("physics: job ran outside its declared phase", zap.String("job", job), zap.String("phase", phase))
}

func (l *Logger) determinismMismatch(streamPos int, field string) {
	l.zap().Error("physics: determinism validation mismatch",
		zap.Int("stream_position", streamPos), zap.String("field", field))
}
