package logging

import "go.uber.org/zap"

// Zap adapts a *zap.SugaredLogger to the Logger interface, so the rest of
// the module never imports zap directly.
type Zap struct {
	s *zap.SugaredLogger
}

// NewZap wraps an existing sugared logger.
func NewZap(s *zap.SugaredLogger) *Zap {
	return &Zap{s: s}
}

func (z *Zap) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *Zap) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *Zap) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *Zap) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }
