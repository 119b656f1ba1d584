package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActor(t *testing.T) {
	assert.Equal(t, "", Actor("  "))
	assert.Equal(t, "****", Actor("abc"))
	assert.Equal(t, "bearer:****xyz", Actor("Bearer:eyJhbGciOixyz"))
	assert.Equal(t, "****890", Actor("1234567890"))
	assert.Equal(t, "****", Actor("user:"), "empty remainder is not a scheme")
	assert.Equal(t, "****:42", Actor("10.0.0.1:42"), "numeric prefixes are not schemes")
}
