package bdm

const (
	// Version is the BDM format version this package reads and writes.
	// Containers carrying any other version are rejected with ErrVersion.
	Version uint16 = 2

	envelopeSize uint32 = 24
)

// entryMagic is the 8-byte signature at the start of the data and info entries.
var entryMagic = [8]byte{'B', 'D', 'M', 'E', '\r', '\n', 0x1A, 0x00}

// Container entry names.
const (
	entryData       = "data"
	entryInfo       = "info"
	filesPrefix     = "files/"
	defaultInfoName = "NoName"
)

// Mode selects what an open session may do with the container.
type Mode int

const (
	// ModeRead opens an existing container for reading only.
	ModeRead Mode = iota
	// ModeWrite starts from an empty container, ignoring any existing file;
	// nothing touches disk until Save.
	ModeWrite
	// ModeReadWrite loads an existing container for mutation and re-save.
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	}
	return "invalid"
}

func (m Mode) writable() bool { return m == ModeWrite || m == ModeReadWrite }

// Compression selects the algorithm used for the data and info entry payloads.
type Compression uint16

const (
	CompNone Compression = 0x0
	CompZSTD Compression = 0x2
	CompLZ4  Compression = 0x3
	CompBR   Compression = 0x4
)

const (
	envelopeFlagCompressionMask    uint16 = 0x000F
	envelopeFlagHasUncompressedLen uint16 = 0x0010
)
