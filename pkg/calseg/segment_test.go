package calseg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// S3 Calibrate then observe (spec.md §8).
func TestWriteThenSyncIsObservedAtomically(t *testing.T) {
	seg := NewSegment(nil, 0, "C", []byte{0x01, 0x02, 0x03, 0x04})

	before, err := seg.ReadAt(RoleECU, 0, 4)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, before)

	err = seg.WriteAt(0, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	assert.Nil(t, err)

	// Not yet synced: reader still sees the pre-image.
	stillOld, err := seg.ReadAt(RoleECU, 0, 4)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, stillOld)

	seg.Sync()

	after, err := seg.ReadAt(RoleECU, 0, 4)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, after)
}

func TestReadAtOutOfRange(t *testing.T) {
	seg := NewSegment(nil, 0, "C", make([]byte, 4))
	_, err := seg.ReadAt(RoleECU, 2, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

// S6 Page switch atomicity (spec.md §8): reading RAM vs FLASH never
// mixes bytes from the two pages.
func TestSelectPageSwitchesWholeBufferAtOnce(t *testing.T) {
	ref := make([]byte, 8) // all zero
	seg := NewSegment(nil, 1, "C", ref)
	err := seg.WriteAt(0, []byte{1, 1, 1, 1, 1, 1, 1, 1})
	assert.Nil(t, err)
	seg.Sync()

	seg.SelectPage(RoleECU, PageFlash)
	data, err := seg.ReadAt(RoleECU, 0, 8)
	assert.Nil(t, err)
	for _, b := range data {
		assert.EqualValues(t, 0x00, b)
	}

	seg.SelectPage(RoleECU, PageRAM)
	data, err = seg.ReadAt(RoleECU, 0, 8)
	assert.Nil(t, err)
	for _, b := range data {
		assert.EqualValues(t, 0x01, b)
	}
}

func TestRolesHaveIndependentPageSelectors(t *testing.T) {
	seg := NewSegment(nil, 0, "C", []byte{9, 9})
	seg.SelectPage(RoleXCP, PageFlash)
	assert.Equal(t, PageRAM, seg.CurrentPage(RoleECU))
	assert.Equal(t, PageFlash, seg.CurrentPage(RoleXCP))
}

func TestInitCalResetsWorkingPageFromReference(t *testing.T) {
	seg := NewSegment(nil, 0, "C", []byte{1, 2, 3, 4})
	err := seg.WriteAt(0, []byte{9, 9, 9, 9})
	assert.Nil(t, err)
	seg.Sync()

	seg.InitCal()
	data, err := seg.ReadAt(RoleECU, 0, 4)
	assert.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestFreezeCalWritesJSONWithChecksum(t *testing.T) {
	dir := t.TempDir()
	seg := NewSegment(nil, 0, "C", []byte{1, 2, 3, 4})
	err := seg.WriteAt(0, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	assert.Nil(t, err)

	persist := JSONPersister{Dir: dir}
	err = seg.FreezeCal(persist)
	assert.Nil(t, err)

	data, checksum, err := persist.Load("C")
	assert.Nil(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, data)
	assert.NotZero(t, checksum)

	_, statErr := os.Stat(dir + "/C.json")
	assert.Nil(t, statErr)
}

func TestMapStoreAddAndLookup(t *testing.T) {
	store := NewMapStore()
	seg := NewSegment(nil, 3, "C", []byte{0})
	store.Add(seg)

	found, err := store.Segment(3)
	assert.Nil(t, err)
	assert.Same(t, seg, found)

	_, err = store.Segment(4)
	assert.Error(t, err)

	assert.Len(t, store.Segments(), 1)
}
