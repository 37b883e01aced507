package dentry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wayne70211/wayne-fs/common"
)

func TestLookupMissReturnsNotOk(t *testing.T) {
	c := New()
	_, _, _, ok := c.Lookup("/a")
	assert.False(t, ok)
}

func TestInsertThenLookupHit(t *testing.T) {
	c := New()
	c.Insert("/a/b", 42, common.KindRegular)

	ino, kind, negative, ok := c.Lookup("/a/b")
	assert.True(t, ok)
	assert.False(t, negative)
	assert.Equal(t, uint32(42), ino)
	assert.Equal(t, common.KindRegular, kind)
}

func TestNegativeHit(t *testing.T) {
	c := New()
	c.InsertNegative("/missing")

	_, _, negative, ok := c.Lookup("/missing")
	assert.True(t, ok)
	assert.True(t, negative)
}

func TestInvalidateDropsEntry(t *testing.T) {
	c := New()
	c.Insert("/a", 1, common.KindRegular)
	c.Invalidate("/a")

	_, _, _, ok := c.Lookup("/a")
	assert.False(t, ok)
}

func TestInvalidatePrefixDropsAllDescendants(t *testing.T) {
	c := New()
	c.Insert("/dir/a", 1, common.KindRegular)
	c.Insert("/dir/b", 2, common.KindRegular)
	c.Insert("/other", 3, common.KindRegular)

	c.InvalidatePrefix("/dir")

	_, _, _, ok := c.Lookup("/dir/a")
	assert.False(t, ok)
	_, _, _, ok = c.Lookup("/dir/b")
	assert.False(t, ok)
	_, _, _, ok = c.Lookup("/other")
	assert.True(t, ok, "paths outside the invalidated prefix must survive")
}
