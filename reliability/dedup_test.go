package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupRejectsRepeatedMessageNumber(t *testing.T) {
	d := newDedupWindow()
	assert.True(t, d.accept(0))
	assert.False(t, d.accept(0))
}

func TestDedupAcceptsOutOfOrderThenRetiresBase(t *testing.T) {
	d := newDedupWindow()
	assert.True(t, d.accept(2))
	assert.True(t, d.accept(0))
	assert.True(t, d.accept(1))
	// 0,1,2 all seen contiguously: base should have advanced past them.
	assert.False(t, d.accept(0))
	assert.False(t, d.accept(1))
	assert.False(t, d.accept(2))
	assert.True(t, d.accept(3))
}
