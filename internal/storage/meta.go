package storage

import (
	"github.com/cespare/xxhash/v2"
)

// FormatVersion is the version of the data file layout.
const FormatVersion = 1

const (
	// metaMagic identifies the data file format (56-bit prime, low byte = version).
	metaMagic uint64 = 0x59659DBDEF4C11

	// metaVersion is the current data format version.
	metaVersion = FormatVersion

	signWeak   uint64 = 1
	signSteady uint64 = ^uint64(0)
)

// Meta page layout (after the page header):
//
//	Offset  Size  Field
//	16      8     magic << 8 | version
//	24      4     page size
//	28      4     reserved
//	32      8     txnid_a (two-phase update)
//	40      20    geometry: lower, upper, now, grow, shrink (pages)
//	60      4     first unallocated page
//	64      48    main tree
//	112     4     freelist pgno
//	116     4     freelist pages
//	120     8     pages retired (cumulative)
//	128     8     sign (weak / steady)
//	136     16    boot id
//	152     8     checksum of bytes 16..152
//	160     8     txnid_b (two-phase update)
const (
	metaOffMagic     = 16
	metaOffPageSize  = 24
	metaOffTxnA      = 32
	metaOffGeo       = 40
	metaOffNext      = 60
	metaOffMain      = 64
	metaOffFreelist  = 112
	metaOffFreePages = 116
	metaOffRetired   = 120
	metaOffSign      = 128
	metaOffBootID    = 136
	metaOffChecksum  = 152
	metaOffTxnB      = 160
	metaSize         = 168
)

// Geometry is the size policy of the data file, in pages.
type Geometry struct {
	Lower  uint32
	Upper  uint32
	Now    uint32
	Grow   uint32
	Shrink uint32
}

// Meta is a decoded meta page.
type Meta struct {
	TxnID         uint64
	PageSize      uint32
	Geo           Geometry
	NextPgno      Pgno
	Main          Tree
	FreelistPgno  Pgno
	FreelistPages uint32
	PagesRetired  uint64
	Steady        bool
	BootID        [16]byte
}

// MetaInfo summarizes one meta slot for diagnostics.
type MetaInfo struct {
	TxnID  uint64
	Steady bool
	Valid  bool
	BootID [16]byte
}

func (m *Meta) encode(buf []byte, slot int) {
	clear(buf[:metaSize])
	putHeader(buf, Pgno(slot), PageMeta, 0, m.TxnID)
	le.PutUint64(buf[metaOffMagic:], metaMagic<<8|metaVersion)
	le.PutUint32(buf[metaOffPageSize:], m.PageSize)
	le.PutUint64(buf[metaOffTxnA:], m.TxnID)
	g := buf[metaOffGeo:]
	le.PutUint32(g[0:], m.Geo.Lower)
	le.PutUint32(g[4:], m.Geo.Upper)
	le.PutUint32(g[8:], m.Geo.Now)
	le.PutUint32(g[12:], m.Geo.Grow)
	le.PutUint32(g[16:], m.Geo.Shrink)
	le.PutUint32(buf[metaOffNext:], uint32(m.NextPgno))
	m.Main.Encode(buf[metaOffMain : metaOffMain+TreeSize])
	le.PutUint32(buf[metaOffFreelist:], uint32(m.FreelistPgno))
	le.PutUint32(buf[metaOffFreePages:], m.FreelistPages)
	le.PutUint64(buf[metaOffRetired:], m.PagesRetired)
	sign := signWeak
	if m.Steady {
		sign = signSteady
	}
	le.PutUint64(buf[metaOffSign:], sign)
	copy(buf[metaOffBootID:], m.BootID[:])
	le.PutUint64(buf[metaOffChecksum:], xxhash.Sum64(buf[metaOffMagic:metaOffChecksum]))
	le.PutUint64(buf[metaOffTxnB:], m.TxnID)
}

// metaPageSize extracts the page size from a meta page prefix without
// validating the rest of the page.
func metaPageSize(b []byte) (int, error) {
	if len(b) < metaSize {
		return 0, ErrInvalid
	}
	magic := le.Uint64(b[metaOffMagic:])
	if magic>>8 != metaMagic {
		return 0, ErrInvalid
	}
	if magic&0xff != metaVersion {
		return 0, ErrVersion
	}
	ps := int(le.Uint32(b[metaOffPageSize:]))
	if !ValidPageSize(ps) {
		return 0, ErrBadPageSize
	}
	return ps, nil
}

// decodeMeta parses and validates a meta page.
func decodeMeta(b []byte) (Meta, error) {
	var m Meta
	if _, err := metaPageSize(b); err != nil {
		return m, err
	}
	txnA := le.Uint64(b[metaOffTxnA:])
	txnB := le.Uint64(b[metaOffTxnB:])
	if txnA == 0 || txnA != txnB {
		return m, ErrCorrupted
	}
	if le.Uint64(b[metaOffChecksum:]) != xxhash.Sum64(b[metaOffMagic:metaOffChecksum]) {
		return m, ErrCorrupted
	}
	main, err := DecodeTree(b[metaOffMain : metaOffMain+TreeSize])
	if err != nil {
		return m, err
	}
	g := b[metaOffGeo:]
	m = Meta{
		TxnID:    txnA,
		PageSize: le.Uint32(b[metaOffPageSize:]),
		Geo: Geometry{
			Lower:  le.Uint32(g[0:]),
			Upper:  le.Uint32(g[4:]),
			Now:    le.Uint32(g[8:]),
			Grow:   le.Uint32(g[12:]),
			Shrink: le.Uint32(g[16:]),
		},
		NextPgno:      Pgno(le.Uint32(b[metaOffNext:])),
		Main:          main,
		FreelistPgno:  Pgno(le.Uint32(b[metaOffFreelist:])),
		FreelistPages: le.Uint32(b[metaOffFreePages:]),
		PagesRetired:  le.Uint64(b[metaOffRetired:]),
		Steady:        le.Uint64(b[metaOffSign:]) == signSteady,
	}
	copy(m.BootID[:], b[metaOffBootID:metaOffBootID+16])
	if m.NextPgno < NumMetas || m.NextPgno > Pgno(m.Geo.Upper) {
		return m, ErrCorrupted
	}
	return m, nil
}

// metaSlot returns the slot a transaction writes its meta into. The slot
// of the two previous transactions is never touched.
func metaSlot(txnid uint64) int {
	return int(txnid % NumMetas)
}

// pickMeta returns the index of the newest valid meta, or -1.
func pickMeta(metas []Meta, errs []error, steadyOnly bool) int {
	best := -1
	for i := range metas {
		if errs[i] != nil || (steadyOnly && !metas[i].Steady) {
			continue
		}
		if best < 0 || metas[i].TxnID > metas[best].TxnID {
			best = i
		}
	}
	return best
}
