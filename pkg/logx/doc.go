// Package logx configures camsync's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional eventbus sink (min-level + rate limiting) so front ends can
//     stream coordinator logs live
package logx
