package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
)

const (
	// Size limits
	MaxNameSize        = 1024
	MaxAccountSize     = 256
	MaxRecordSize      = 64 * 1024 * 1024 // 64 MB
	MaxMetadataEntries = 90
	MaxMetadataSize    = 4096
)

// Validator validates records received from peers
type Validator struct {
	maxNameSize   int
	maxRecordSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxNameSize:   MaxNameSize,
		maxRecordSize: MaxRecordSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxNameSize, maxRecordSize int) *Validator {
	return &Validator{
		maxNameSize:   maxNameSize,
		maxRecordSize: maxRecordSize,
	}
}

// ValidateContainerRef validates an account and container name
func (v *Validator) ValidateContainerRef(ref model.ContainerRef) error {
	if err := validateSegment("account", ref.Account, MaxAccountSize); err != nil {
		return err
	}
	return validateSegment("container", ref.Container, MaxAccountSize)
}

// ValidateObjectKey validates an object key
func (v *Validator) ValidateObjectKey(key model.ObjectKey) error {
	if err := v.ValidateContainerRef(key.ContainerRef()); err != nil {
		return err
	}
	return v.validateName(key.Object)
}

func (v *Validator) validateName(name string) error {
	if name == "" {
		return errors.InvalidArgument("object name cannot be empty", nil)
	}
	if len(name) > v.maxNameSize {
		return errors.InvalidArgument(fmt.Sprintf("object name exceeds maximum size of %d bytes", v.maxNameSize), nil)
	}
	// Digest lines are newline separated.
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("object name cannot contain control characters", nil)
		}
	}
	return nil
}

func validateSegment(what, value string, max int) error {
	if value == "" {
		return errors.InvalidArgument(what+" cannot be empty", nil)
	}
	if len(value) > max {
		return errors.InvalidArgument(fmt.Sprintf("%s exceeds maximum size of %d bytes", what, max), nil)
	}
	if strings.Contains(value, "/") {
		return errors.InvalidArgument(what+" cannot contain '/'", nil)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return errors.InvalidArgument(what+" cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateRecord validates an object record before it is applied
func (v *Validator) ValidateRecord(rec *model.ObjectRecord) error {
	if rec == nil {
		return errors.InvalidArgument("record cannot be nil", nil)
	}
	if err := v.ValidateObjectKey(rec.Key); err != nil {
		return err
	}
	if !rec.State.Valid() {
		return errors.InvalidArgument("unknown record state "+string(rec.State), nil)
	}
	if rec.Timestamp <= 0 {
		return errors.InvalidArgument("timestamp must be positive", nil)
	}
	if len(rec.Data) > v.maxRecordSize {
		return errors.InvalidArgument(fmt.Sprintf("record exceeds maximum size of %d bytes", v.maxRecordSize), nil)
	}
	if rec.State != model.StateLive && len(rec.Data) > 0 {
		return errors.InvalidArgument("deletions cannot carry data", nil)
	}
	return v.ValidateMetadata(rec.Metadata)
}

// ValidateMetadata validates object metadata
func (v *Validator) ValidateMetadata(meta map[string]string) error {
	if len(meta) > MaxMetadataEntries {
		return errors.InvalidArgument(fmt.Sprintf("metadata exceeds %d entries", MaxMetadataEntries), nil)
	}
	size := 0
	for k, val := range meta {
		if k == "" {
			return errors.InvalidArgument("metadata key cannot be empty", nil)
		}
		size += len(k) + len(val)
	}
	if size > MaxMetadataSize {
		return errors.InvalidArgument(fmt.Sprintf("metadata exceeds %d bytes", MaxMetadataSize), nil)
	}
	if raw, ok := meta[model.MetaDeleteAt]; ok {
		if _, err := model.ParseTimestamp(raw); err != nil {
			return errors.InvalidArgument("invalid "+model.MetaDeleteAt+" value", err)
		}
	}
	return nil
}

// ValidateRow validates a container listing row before it is applied
func (v *Validator) ValidateRow(row *model.ContainerRow) error {
	if row == nil {
		return errors.InvalidArgument("row cannot be nil", nil)
	}
	if err := v.ValidateContainerRef(row.Ref); err != nil {
		return err
	}
	if err := v.validateName(row.Entry.Name); err != nil {
		return err
	}
	if row.Entry.Timestamp <= 0 {
		return errors.InvalidArgument("timestamp must be positive", nil)
	}
	if row.Entry.Size < 0 {
		return errors.InvalidArgument("size cannot be negative", nil)
	}
	return nil
}

// ValidatePartition validates a partition number
func (v *Validator) ValidatePartition(partition int) error {
	if partition < 0 {
		return errors.InvalidArgument(fmt.Sprintf("invalid partition %d", partition), nil)
	}
	return nil
}

// ValidateSuffix validates a suffix name
func (v *Validator) ValidateSuffix(suffix string) error {
	if len(suffix) != ring.SuffixLength {
		return errors.InvalidArgument(fmt.Sprintf("invalid suffix %q", suffix), nil)
	}
	for _, c := range suffix {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return errors.InvalidArgument(fmt.Sprintf("invalid suffix %q", suffix), nil)
		}
	}
	return nil
}
