// Package logx wraps zerolog behind a small value-type Logger.
//
// The zero Logger is a safe no-op, so components can embed one without nil
// checks. Loggers created from a Service stay live across config reloads:
// Service.Apply swaps writers and the level atomically underneath them.
package logx
