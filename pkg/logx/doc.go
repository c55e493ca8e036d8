// Package logx configures collecte's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A safe zero-value no-op logger for tests and optional components
package logx
