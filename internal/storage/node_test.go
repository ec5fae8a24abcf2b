package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeEncodeDecode(t *testing.T) {
	leaf := &node{leaf: true}
	leaf.insertLeaf(0, []byte("b"), []byte("2"), 0)
	leaf.insertLeaf(0, []byte("a"), []byte("1"), 0)
	leaf.insertLeaf(2, []byte("c"), bigRef(77, 5000), EntryBig)

	buf := make([]byte, 512)
	leaf.encode(buf, 9, 4)
	assert.EqualValues(t, 4, pageTxnID(buf))
	assert.Equal(t, leaf.size(), HeaderSize+3*leafEntryOverhead+3+2+bigRefSize)

	n, err := decodeNode(buf, 9)
	require.NoError(t, err)
	require.Equal(t, 3, n.len())
	assert.Equal(t, []byte("a"), n.keys[0])
	assert.Equal(t, []byte("2"), n.vals[1])
	pg, length := parseBigRef(n.vals[2])
	assert.EqualValues(t, 77, pg)
	assert.Equal(t, 5000, length)

	_, err = decodeNode(buf, 10)
	assert.ErrorIs(t, err, ErrCorrupted, "page number mismatch")
}

func TestBranchSearch(t *testing.T) {
	br := &node{
		keys: [][]byte{nil, []byte("m"), []byte("t")},
		vals: [][]byte{nil, nil, nil},
		kids: []Pgno{10, 11, 12},
	}
	before := func(target string) func(k, v []byte) bool {
		return func(k, _ []byte) bool { return bytes.Compare(k, []byte(target)) < 0 }
	}
	assert.Equal(t, 0, br.search(before("a")))
	assert.Equal(t, 0, br.search(before("m")), "equal separator descends left")
	assert.Equal(t, 1, br.search(before("n")))
	assert.Equal(t, 1, br.search(before("p")))
	assert.Equal(t, 2, br.search(before("z")))

	// Separator ("m", "x") of a dup-sort branch: ("m", "a") may live in
	// the left child, so a key-only search for "m" must start there.
	dup := &node{
		keys: [][]byte{nil, []byte("m")},
		vals: [][]byte{nil, []byte("x")},
		kids: []Pgno{20, 21},
	}
	assert.Equal(t, 0, dup.search(before("m")))
	afterKey := func(k, _ []byte) bool { return bytes.Compare(k, []byte("m")) <= 0 }
	assert.Equal(t, 1, dup.search(afterKey))

	buf := make([]byte, 256)
	br.encode(buf, 5, 1)
	n, err := decodeNode(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, br.kids, n.kids)
	assert.Empty(t, n.keys[0])
}

func TestSplitHalvesFit(t *testing.T) {
	ps := 256
	n := &node{leaf: true}
	for i := 0; n.size() <= ps; i++ {
		k := []byte{byte(i)}
		n.insertLeaf(n.len(), k, bytes.Repeat([]byte{'v'}, maxEntry(ps)-leafEntryOverhead-1), 0)
	}
	left, right := n.split(n.splitIndex())
	assert.LessOrEqual(t, left.size(), ps)
	assert.LessOrEqual(t, right.size(), ps)
	assert.Equal(t, n.len(), left.len()+right.len())
}

func TestMetaChecksumAndTornWrite(t *testing.T) {
	m := Meta{
		TxnID:        7,
		PageSize:     4096,
		Geo:          Geometry{Lower: 3, Upper: 100, Now: 10, Grow: 10},
		NextPgno:     5,
		Main:         EmptyTree(0),
		FreelistPgno: InvalidPgno,
		Steady:       true,
	}
	buf := make([]byte, 4096)
	m.encode(buf, metaSlot(m.TxnID))
	got, err := decodeMeta(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	torn := bytes.Clone(buf)
	le.PutUint64(torn[metaOffTxnB:], 6)
	_, err = decodeMeta(torn)
	assert.ErrorIs(t, err, ErrCorrupted)

	flipped := bytes.Clone(buf)
	flipped[metaOffNext] ^= 1
	_, err = decodeMeta(flipped)
	assert.ErrorIs(t, err, ErrCorrupted)

	metas := []Meta{got, {TxnID: 9}, {TxnID: 8, Steady: true}}
	errs := []error{nil, nil, nil}
	assert.Equal(t, 1, pickMeta(metas, errs, false))
	assert.Equal(t, 2, pickMeta(metas, errs, true))
}
