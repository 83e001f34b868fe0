package bdm

import (
	"fmt"
	"io"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// cborEnc is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same record tree always produces identical
// entry bytes.
var cborEnc cbor.EncMode

// cborDec accepts standard CBOR. Unknown fields are ignored so that a
// same-version container written by a slightly newer build still decodes.
var cborDec cbor.DecMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bdm: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// Free-form metadata decodes into map[string]any values; the CBOR
		// default for any-typed targets is map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bdm: CBOR decoder initialization failed: " + err.Error())
	}
}

// Closed payload schema for the two metadata entries. Ordered collections
// are arrays, not maps: section and item order is meaningful and must
// survive a round-trip byte-for-byte.

type itemPayload struct {
	Name    string         `cbor:"name"`
	Title   string         `cbor:"title"`
	Content string         `cbor:"content"`
	ImageID string         `cbor:"image_id,omitempty"`
	Level   int            `cbor:"level"`
	Data    map[string]any `cbor:"data,omitempty"`
}

type sectionPayload struct {
	Name        string        `cbor:"name"`
	Type        string        `cbor:"type"`
	Description string        `cbor:"description"`
	Items       []itemPayload `cbor:"items"`
}

type dataPayload struct {
	Sections []sectionPayload `cbor:"sections"`
}

type filePayload struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name"`
}

type infoPayload struct {
	Name   string         `cbor:"name"`
	Fields map[string]any `cbor:"fields,omitempty"`
	Files  []filePayload  `cbor:"files"`
}

// encodeEntry wraps a CBOR payload in the versioned entry envelope,
// compressing it with comp.
func encodeEntry(w io.Writer, payload any, comp Compression) error {
	raw, err := cborEnc.Marshal(payload)
	if err != nil {
		return err
	}
	flags, body, err := compressPayload(comp, raw)
	if err != nil {
		return err
	}
	e := envelope{
		Magic:   entryMagic,
		Version: Version,
		Flags:   flags,
	}
	if e.compression() != CompNone {
		e.UncompressedLen = uint64(len(raw))
	}
	if err := writeEnvelope(w, e); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// decodeEntry reads an envelope and its payload from r and unmarshals the
// CBOR into out. The version gate runs before any payload byte is parsed.
func decodeEntry(r io.Reader, out any, maxEntry, maxUncompressed uint64) error {
	e, err := readEnvelope(r)
	if err != nil {
		return fmt.Errorf("%w: truncated entry envelope", ErrInvalidFile)
	}
	if e.Magic != entryMagic {
		return fmt.Errorf("%w: bad entry magic", ErrInvalidFile)
	}
	if e.Version != Version {
		return fmt.Errorf("%w: container version %d, supported version %d", ErrVersion, e.Version, Version)
	}
	if err := validateEnvelope(e); err != nil {
		return err
	}
	body, err := readAll(io.LimitReader(r, int64(maxEntry)+1))
	if err != nil {
		return fmt.Errorf("%w: reading entry payload: %v", ErrInvalidFile, err)
	}
	if uint64(len(body)) > maxEntry {
		return fmt.Errorf("%w: stored entry payload too large", ErrLimitExceeded)
	}
	raw, err := decompressPayload(e.compression(), body, e.UncompressedLen, maxUncompressed)
	if err != nil {
		return err
	}
	if e.compression() == CompNone && uint64(len(raw)) > maxUncompressed {
		return fmt.Errorf("%w: entry payload too large", ErrLimitExceeded)
	}
	if err := cborDec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: malformed entry payload: %v", ErrInvalidFile, err)
	}
	return nil
}

// encodeData serializes the record tree.
func encodeData(w io.Writer, d *Data, comp Compression) error {
	p := dataPayload{Sections: make([]sectionPayload, 0, len(d.order))}
	for _, name := range d.order {
		s := d.byName[name]
		sp := sectionPayload{
			Name:        s.name,
			Type:        s.typ,
			Description: s.description,
			Items:       make([]itemPayload, 0, len(s.order)),
		}
		for _, itemName := range s.order {
			it := s.byName[itemName]
			sp.Items = append(sp.Items, itemPayload{
				Name:    it.name,
				Title:   it.title,
				Content: it.content,
				ImageID: it.imageID,
				Level:   it.level,
				Data:    it.data,
			})
		}
		p.Sections = append(p.Sections, sp)
	}
	return encodeEntry(w, p, comp)
}

// decodeData deserializes the record tree, re-establishing the ownership
// links to parent. Parent links are not reconstructible from the bytes
// alone, so decoding always happens in the context of an open archive.
func decodeData(r io.Reader, parent *Archive, limits Limits) (*Data, error) {
	var p dataPayload
	if err := decodeEntry(r, &p, limits.MaxDataEntryLen, limits.MaxDataUncompressed); err != nil {
		return nil, err
	}
	if len(p.Sections) > limits.MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrLimitExceeded)
	}
	d := newData(parent)
	for _, sp := range p.Sections {
		if _, ok := d.byName[sp.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate section name %q", ErrInvalidFile, sp.Name)
		}
		if len(sp.Items) > limits.MaxItemsPerSection {
			return nil, fmt.Errorf("%w: too many items in section %q", ErrLimitExceeded, sp.Name)
		}
		s := &Section{
			data:        d,
			name:        sp.Name,
			typ:         sp.Type,
			description: sp.Description,
			byName:      make(map[string]*Item, len(sp.Items)),
		}
		for _, ip := range sp.Items {
			if _, ok := s.byName[ip.Name]; ok {
				return nil, fmt.Errorf("%w: duplicate item name %q in section %q", ErrInvalidFile, ip.Name, sp.Name)
			}
			data, err := normalizeValueMap(ip.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: item %q: %v", ErrInvalidFile, ip.Name, err)
			}
			s.byName[ip.Name] = &Item{
				section: s,
				name:    ip.Name,
				title:   ip.Title,
				content: ip.Content,
				imageID: ip.ImageID,
				level:   ip.Level,
				data:    data,
			}
			s.order = append(s.order, ip.Name)
		}
		d.byName[sp.Name] = s
		d.order = append(d.order, sp.Name)
	}
	return d, nil
}

// encodeInfo serializes the container metadata. File entries are sorted by
// identifier so that equal sessions produce identical bytes.
func encodeInfo(w io.Writer, n *Info, files map[string]string, comp Compression) error {
	p := infoPayload{
		Name:   n.name,
		Fields: n.fields,
		Files:  make([]filePayload, 0, len(files)),
	}
	for id, name := range files {
		p.Files = append(p.Files, filePayload{ID: id, Name: name})
	}
	sort.Slice(p.Files, func(i, j int) bool { return p.Files[i].ID < p.Files[j].ID })
	return encodeEntry(w, p, comp)
}

// decodeInfo deserializes the container metadata. The returned map is the
// blob identifier to internal name index.
func decodeInfo(r io.Reader, parent *Archive, limits Limits) (*Info, map[string]string, error) {
	var p infoPayload
	if err := decodeEntry(r, &p, limits.MaxInfoEntryLen, limits.MaxInfoUncompressed); err != nil {
		return nil, nil, err
	}
	if len(p.Files) > limits.MaxFiles {
		return nil, nil, fmt.Errorf("%w: too many file entries", ErrLimitExceeded)
	}
	fields, err := normalizeValueMap(p.Fields)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: info fields: %v", ErrInvalidFile, err)
	}
	files := make(map[string]string, len(p.Files))
	for _, f := range p.Files {
		if f.ID == "" {
			return nil, nil, fmt.Errorf("%w: file entry with empty identifier", ErrInvalidFile)
		}
		if err := validateInternalName(f.Name); err != nil {
			return nil, nil, fmt.Errorf("%w: file %q: %v", ErrInvalidFile, f.ID, err)
		}
		if _, ok := files[f.ID]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate file identifier %q", ErrInvalidFile, f.ID)
		}
		files[f.ID] = f.Name
	}
	return &Info{archive: parent, name: p.Name, fields: fields}, files, nil
}

// normalizeValueMap applies normalizeValue to every value in m.
func normalizeValueMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}
