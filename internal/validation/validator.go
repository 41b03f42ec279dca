package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
)

const (
	MaxBaseDNSize   = 1024
	MaxDNSize       = 4096
	MaxPayloadSize  = 16 * 1024 * 1024 // 16 MB
	MaxEntryUUIDLen = 64
)

// Validator checks update messages before they reach a replica changelog
type Validator struct {
	maxBaseDNSize  int
	maxPayloadSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxBaseDNSize:  MaxBaseDNSize,
		maxPayloadSize: MaxPayloadSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxBaseDNSize, maxPayloadSize int) *Validator {
	return &Validator{
		maxBaseDNSize:  maxBaseDNSize,
		maxPayloadSize: maxPayloadSize,
	}
}

// ValidateUpdate validates an update destined for the replica changelog of
// baseDN and serverID
func (v *Validator) ValidateUpdate(baseDN string, serverID int32, msg *model.UpdateMsg) error {
	if msg == nil {
		return errors.InvalidArgument("update message is nil", nil)
	}
	if msg.BaseDN != "" && msg.BaseDN != baseDN {
		return errors.InvalidArgument(
			fmt.Sprintf("update for base DN %q sent to changelog of %q", msg.BaseDN, baseDN), nil)
	}
	if msg.CSN.ServerID != serverID {
		return errors.InvalidArgument(
			fmt.Sprintf("CSN %s was not generated by server %d", msg.CSN, serverID), nil).
			WithDetail("csn", msg.CSN.String())
	}
	if msg.Operation == model.OpUnknown {
		return errors.InvalidArgument("update operation is not set", nil)
	}
	if len(msg.DN) > MaxDNSize {
		return errors.InvalidArgument(fmt.Sprintf("DN exceeds maximum size of %d bytes", MaxDNSize), nil)
	}
	if len(msg.EntryUUID) > MaxEntryUUIDLen {
		return errors.InvalidArgument(fmt.Sprintf("entry UUID exceeds maximum size of %d bytes", MaxEntryUUIDLen), nil)
	}
	if len(msg.Payload) > v.maxPayloadSize {
		return errors.InvalidArgument(
			fmt.Sprintf("payload size %d exceeds maximum %d", len(msg.Payload), v.maxPayloadSize), nil).
			WithDetail("size", len(msg.Payload)).
			WithDetail("max_size", v.maxPayloadSize)
	}
	return nil
}

// ValidateBaseDN validates a replication domain base DN. The base DN names a
// directory on disk once escaped, so the dot names are rejected.
func (v *Validator) ValidateBaseDN(baseDN string) error {
	if baseDN == "" {
		return errors.InvalidArgument("base DN cannot be empty", nil)
	}
	if len(baseDN) > v.maxBaseDNSize {
		return errors.InvalidArgument(
			fmt.Sprintf("base DN exceeds maximum size of %d bytes", v.maxBaseDNSize), nil).
			WithDetail("base_dn", baseDN)
	}
	if strings.TrimSpace(baseDN) == "." || strings.TrimSpace(baseDN) == ".." {
		return errors.InvalidArgument(fmt.Sprintf("invalid base DN %q", baseDN), nil)
	}
	for _, r := range baseDN {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("base DN cannot contain control characters", nil).
				WithDetail("base_dn", baseDN)
		}
	}
	return nil
}

// ValidateServerID validates a replica server id
func (v *Validator) ValidateServerID(serverID int32) error {
	if serverID < 0 {
		return errors.InvalidArgument(fmt.Sprintf("server id must not be negative, got %d", serverID), nil)
	}
	return nil
}
