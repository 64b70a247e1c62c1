// Package svcfields holds the structured logging keys shared by stride
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the component emitting a log line.
	SubsystemKey = pslog.TrustedString("sys")
	// TxnKey tags the swap a log line belongs to.
	TxnKey = pslog.TrustedString("txn_id")
	// RoleKey tags which side of the swap is acting.
	RoleKey = pslog.TrustedString("role")
)

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	out := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ".")
}

// WithSubsystem returns logger tagged with subsystem. A nil logger becomes a
// noop logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithSwap tags logger with the role and txn_id of one swap run.
func WithSwap(logger pslog.Logger, role, txnID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(RoleKey, role, TxnKey, txnID)
}
