// Package pkg provides shared utilities for the softccid reader.
//
// This package contains common functionality used by the device stack,
// the HALs and the CCID class driver:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for USB transport conditions
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with reader-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentCCID, "slot powered", "slot", 0)
//
// # Errors
//
// Transport errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
//
// CCID protocol errors live with the class driver in
// [github.com/ardnew/softccid/device/class/ccid].
package pkg
