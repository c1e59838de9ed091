package validation

import (
	"fmt"
	"regexp"
)

var (
	// uuidRegex matches standard UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// classRegex matches dotted class names such as device.RandomDigitalChannel
	classRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

	methodRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidatePumpID validates a pump ID
func ValidatePumpID(id string) error {
	return ValidateUUID(id)
}

// ValidateHash validates an object hash: 32 hex digits.
func ValidateHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("hash_val cannot be empty")
	}
	if len(hash) != 32 {
		return fmt.Errorf("invalid hash length: %s", hash)
	}
	for _, c := range hash {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		if !isDigit && !isLowerHex {
			return fmt.Errorf("invalid hash format: %s", hash)
		}
	}
	return nil
}

// ValidateClassName validates a registered class name
func ValidateClassName(name string) error {
	if name == "" {
		return fmt.Errorf("class name cannot be empty")
	}
	if len(name) > 256 || !classRegex.MatchString(name) {
		return fmt.Errorf("invalid class name: %q", name)
	}
	return nil
}

// ValidateMethodName validates a method name
func ValidateMethodName(name string) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if len(name) > 128 || !methodRegex.MatchString(name) {
		return fmt.Errorf("invalid method name: %q", name)
	}
	return nil
}
