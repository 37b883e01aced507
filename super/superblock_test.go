package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/wayne-fs/disk"
)

func sample() *Superblock {
	return &Superblock{
		BlockSize:         4096,
		TotalBlocks:       1000,
		InodeCount:        64,
		InodeBitmapStart:  1,
		InodeBitmapBlocks: 1,
		DataBitmapStart:   2,
		DataBitmapBlocks:  1,
		InodeTableStart:   3,
		InodeTableBlocks:  2,
		JournalStart:      5,
		JournalBlocks:     10,
		DataStart:         15,
		FreeInodes:        63,
		FreeBlocks:        984,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sample()
	decoded, err := Decode(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	b := sample().Encode()
	b[0] = 'X'
	_, err := Decode(b)
	assert.Error(t, err)
}

func TestValidateRejectsOverlappingRegions(t *testing.T) {
	s := sample()
	s.DataBitmapStart = 1 // collides with inode bitmap
	_, err := Decode(s.Encode())
	assert.Error(t, err)
}

func TestLoadFromDisk(t *testing.T) {
	s := sample()
	d := disk.NewMemDisk(4096, 1000)
	require.NoError(t, d.WriteBlock(SuperblockBlock, s.Encode()))

	loaded, err := Load(d)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
