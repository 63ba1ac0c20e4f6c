package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableBucket(t *testing.T) {
	a := StableBucket("I feel alone tonight", 20)
	assert.Equal(t, a, StableBucket("I feel alone tonight", 20))
	assert.Less(t, a, uint64(20))

	for _, s := range []string{"", "x", "a much longer message about a bad day"} {
		assert.Less(t, StableBucket(s, 7), uint64(7))
	}
	assert.Zero(t, StableBucket("anything", 0))
}
