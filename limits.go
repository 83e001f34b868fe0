package bdm

type Limits struct {
	MaxDataEntryLen     uint64 // stored payload length of the data entry
	MaxInfoEntryLen     uint64 // stored payload length of the info entry
	MaxDataUncompressed uint64 // CBOR bytes after decompression
	MaxInfoUncompressed uint64 // CBOR bytes after decompression
	MaxSections         int
	MaxItemsPerSection  int
	MaxFiles            int
	MaxBlobSize         uint64
}

func defaultLimits() Limits {
	return Limits{
		MaxDataEntryLen:     1 << 30, // 1 GiB stored payload cap
		MaxInfoEntryLen:     64 << 20,
		MaxDataUncompressed: 256 << 20,
		MaxInfoUncompressed: 64 << 20,
		MaxSections:         10_000,
		MaxItemsPerSection:  100_000,
		MaxFiles:            100_000,
		MaxBlobSize:         512 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := defaultLimits()
	if l.MaxDataEntryLen == 0 {
		l.MaxDataEntryLen = d.MaxDataEntryLen
	}
	if l.MaxInfoEntryLen == 0 {
		l.MaxInfoEntryLen = d.MaxInfoEntryLen
	}
	if l.MaxDataUncompressed == 0 {
		l.MaxDataUncompressed = d.MaxDataUncompressed
	}
	if l.MaxInfoUncompressed == 0 {
		l.MaxInfoUncompressed = d.MaxInfoUncompressed
	}
	if l.MaxSections == 0 {
		l.MaxSections = d.MaxSections
	}
	if l.MaxItemsPerSection == 0 {
		l.MaxItemsPerSection = d.MaxItemsPerSection
	}
	if l.MaxFiles == 0 {
		l.MaxFiles = d.MaxFiles
	}
	if l.MaxBlobSize == 0 {
		l.MaxBlobSize = d.MaxBlobSize
	}
	return l
}
