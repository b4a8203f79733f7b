package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID represents a domain identifier
type ID string

// NewID creates a new unique identifier using UUID v7 for time-ordered generation
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		id = uuid.New()
	}
	return ID(id.String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// Domain-specific ID types
type (
	// VariantID identifies a genetic variant (locus) tested in each study.
	VariantID ID
	// StudyID identifies one contributing cohort of the meta-analysis.
	StudyID ID
	// RunID identifies a single pipeline invocation.
	RunID ID
)

// String conversions for domain IDs
func (id VariantID) String() string { return ID(id).String() }
func (id StudyID) String() string   { return ID(id).String() }
func (id RunID) String() string     { return ID(id).String() }

// ParseVariantID parses a string into VariantID
func ParseVariantID(s string) (VariantID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("variant ID cannot be empty")
	}
	return VariantID(s), nil
}

// ParseStudyID parses a string into StudyID
func ParseStudyID(s string) (StudyID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("study ID cannot be empty")
	}
	return StudyID(s), nil
}

// NewRunID creates a fresh run identifier
func NewRunID() RunID {
	return RunID(NewID())
}
