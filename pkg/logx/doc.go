// Package logx is the logging layer shared by every postbot component.
//
// Logger wraps zerolog. Service owns the sinks: a human console writer, an
// optional JSON file, and an alert sink that forwards records at or above a
// minimum level to an operator chat. Apply swaps levels and sinks at runtime.
package logx
