package helpers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/gate/consts"
)

func TestValidateEmail(t *testing.T) {
	valid := []string{
		"user@example.com",
		"first.last@example.co.uk",
		"user+tag@example.com",
	}
	for _, addr := range valid {
		assert.NoError(t, ValidateEmail(addr), "address %q should validate", addr)
	}

	invalid := []string{
		"",
		"no-at-sign",
		"user@",
		"@example.com",
		"user@exam ple.com",
		"user@example.com/path",
		"user@example.com?query",
		"user@exa%mple.com",
	}
	for _, addr := range invalid {
		err := ValidateEmail(addr)
		require.Error(t, err, "address %q should be rejected", addr)
		assert.True(t, errors.Is(err, consts.ErrInvalidEmail), "address %q should map to ErrInvalidEmail", addr)
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("user@example.com"))
	assert.Equal(t, "example.com", DomainOf("user@EXAMPLE.COM"))
	assert.Equal(t, "example.com", DomainOf(`"a@b"@example.com`))
	assert.Equal(t, "", DomainOf("no-at-sign"))
}

func TestLocalPartOf(t *testing.T) {
	assert.Equal(t, "user", LocalPartOf("user@example.com"))
	assert.Equal(t, "no-at-sign", LocalPartOf("no-at-sign"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.NotContains(t, MaskSecret("hunter2hunter2"), "hunter2")
}
