package bdm

import (
	"fmt"
	"io"
	"iter"
	"maps"

	"github.com/google/uuid"
)

// Info holds container-level metadata: a display name and free-form fields.
type Info struct {
	archive *Archive
	name    string
	fields  map[string]any
}

// Name returns the container's display name.
func (n *Info) Name() string { return n.name }

// SetName sets the container's display name.
func (n *Info) SetName(name string) error {
	if err := n.archive.checkWritable(); err != nil {
		return err
	}
	n.name = name
	return nil
}

// Field returns a free-form metadata field.
func (n *Info) Field(key string) (any, error) {
	if err := n.archive.checkReadable(); err != nil {
		return nil, err
	}
	v, ok := n.fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: info field %q", ErrNotFound, key)
	}
	return v, nil
}

// SetField sets a free-form metadata field. Values are restricted to text,
// integer, float, and boolean.
func (n *Info) SetField(key string, value any) error {
	if err := n.archive.checkWritable(); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	if n.fields == nil {
		n.fields = make(map[string]any)
	}
	n.fields[key] = v
	return nil
}

// RemoveField removes a free-form metadata field.
func (n *Info) RemoveField(key string) error {
	if err := n.archive.checkWritable(); err != nil {
		return err
	}
	if _, ok := n.fields[key]; !ok {
		return fmt.Errorf("%w: info field %q", ErrNotFound, key)
	}
	delete(n.fields, key)
	return nil
}

// Data is the root of the record tree: an ordered mapping of section names
// to sections. Insertion order is preserved and is the serialization order.
type Data struct {
	archive *Archive
	order   []string
	byName  map[string]*Section
}

func newData(a *Archive) *Data {
	return &Data{archive: a, byName: make(map[string]*Section)}
}

// AddSection creates an empty section under d.
// It fails with ErrInvalidParent if the name is already taken.
func (d *Data) AddSection(name, typ, description string) (*Section, error) {
	if err := d.archive.checkWritable(); err != nil {
		return nil, err
	}
	if _, ok := d.byName[name]; ok {
		return nil, fmt.Errorf("%w: duplicate section name %q", ErrInvalidParent, name)
	}
	s := &Section{
		data:        d,
		name:        name,
		typ:         typ,
		description: description,
		byName:      make(map[string]*Item),
	}
	d.byName[name] = s
	d.order = append(d.order, name)
	return s, nil
}

// Section returns the section with the given name.
func (d *Data) Section(name string) (*Section, error) {
	if err := d.archive.checkReadable(); err != nil {
		return nil, err
	}
	s, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: section %q", ErrNotFound, name)
	}
	return s, nil
}

// Has reports whether a section with the given name exists. It reports
// false once the owning session is closed.
func (d *Data) Has(name string) bool {
	if d.archive.checkReadable() != nil {
		return false
	}
	_, ok := d.byName[name]
	return ok
}

// Sections iterates over sections in insertion order. The sequence is
// restartable; mutating d during iteration is not supported. Once the
// owning session is closed the sequence yields nothing.
func (d *Data) Sections() iter.Seq2[string, *Section] {
	return func(yield func(string, *Section) bool) {
		if d.archive.checkReadable() != nil {
			return
		}
		for _, name := range d.order {
			if !yield(name, d.byName[name]) {
				return
			}
		}
	}
}

// NumSections returns the number of sections, or 0 once the owning
// session is closed.
func (d *Data) NumSections() int {
	if d.archive.checkReadable() != nil {
		return 0
	}
	return len(d.order)
}

// Len returns the total number of items across all sections, or 0 once
// the owning session is closed.
func (d *Data) Len() int {
	if d.archive.checkReadable() != nil {
		return 0
	}
	total := 0
	for _, name := range d.order {
		total += len(d.byName[name].order)
	}
	return total
}

// RemoveSection removes a section and all its items. Blobs referenced by the
// removed items are not deleted.
func (d *Data) RemoveSection(name string) error {
	if err := d.archive.checkWritable(); err != nil {
		return err
	}
	if _, ok := d.byName[name]; !ok {
		return fmt.Errorf("%w: section %q", ErrNotFound, name)
	}
	delete(d.byName, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

// Section is a named, typed group of items. Item insertion order is
// preserved and is the serialization order.
type Section struct {
	data        *Data
	name        string
	typ         string
	description string
	order       []string
	byName      map[string]*Item
}

func (s *Section) Name() string        { return s.name }
func (s *Section) Type() string        { return s.typ }
func (s *Section) Description() string { return s.description }

// ItemOption configures an item added with AddItem.
type ItemOption func(*Item)

// WithItemName fixes the item's name instead of generating one.
func WithItemName(name string) ItemOption {
	return func(it *Item) { it.name = name }
}

// WithItemImage sets the item's blob reference. The identifier does not have
// to exist yet; references are validated when the archive is saved.
func WithItemImage(id string) ItemOption {
	return func(it *Item) { it.imageID = id }
}

// WithItemData seeds the item's free-form metadata. The map is copied.
func WithItemData(data map[string]any) ItemOption {
	return func(it *Item) { it.data = maps.Clone(data) }
}

// AddItem creates an item in s. If no name option is given a fresh unique
// name is generated.
func (s *Section) AddItem(title, content string, level int, opts ...ItemOption) (*Item, error) {
	if err := s.data.archive.checkWritable(); err != nil {
		return nil, err
	}
	it := &Item{
		section: s,
		title:   title,
		content: content,
		level:   level,
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.name == "" {
		it.name = uuid.New().String()
	}
	if _, ok := s.byName[it.name]; ok {
		return nil, fmt.Errorf("%w: duplicate item name %q in section %q", ErrInvalidParent, it.name, s.name)
	}
	for k, v := range it.data {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("item data %q: %w", k, err)
		}
		it.data[k] = nv
	}
	s.byName[it.name] = it
	s.order = append(s.order, it.name)
	return it, nil
}

// Item returns the item with the given name.
func (s *Section) Item(name string) (*Item, error) {
	if err := s.data.archive.checkReadable(); err != nil {
		return nil, err
	}
	it, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: item %q in section %q", ErrNotFound, name, s.name)
	}
	return it, nil
}

// Has reports whether an item with the given name exists. It reports
// false once the owning session is closed.
func (s *Section) Has(name string) bool {
	if s.data.archive.checkReadable() != nil {
		return false
	}
	_, ok := s.byName[name]
	return ok
}

// Items iterates over items in insertion order. The sequence is restartable;
// mutating s during iteration is not supported. Once the owning session is
// closed the sequence yields nothing.
func (s *Section) Items() iter.Seq2[string, *Item] {
	return func(yield func(string, *Item) bool) {
		if s.data.archive.checkReadable() != nil {
			return
		}
		for _, name := range s.order {
			if !yield(name, s.byName[name]) {
				return
			}
		}
	}
}

// Len returns the number of items in the section, or 0 once the owning
// session is closed.
func (s *Section) Len() int {
	if s.data.archive.checkReadable() != nil {
		return 0
	}
	return len(s.order)
}

// RemoveItem removes an item. The referenced blob, if any, stays in the
// archive.
func (s *Section) RemoveItem(name string) error {
	if err := s.data.archive.checkWritable(); err != nil {
		return err
	}
	if _, ok := s.byName[name]; !ok {
		return fmt.Errorf("%w: item %q in section %q", ErrNotFound, name, s.name)
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SectionSnapshot is a pure value copy of a section and its items.
type SectionSnapshot struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Items       []ItemSnapshot `json:"items"`
}

// Snapshot returns a structural copy of the section. It is not a live view.
// Once the owning session is closed it returns the zero snapshot.
func (s *Section) Snapshot() SectionSnapshot {
	if s.data.archive.checkReadable() != nil {
		return SectionSnapshot{}
	}
	snap := SectionSnapshot{
		Name:        s.name,
		Type:        s.typ,
		Description: s.description,
		Items:       make([]ItemSnapshot, 0, len(s.order)),
	}
	for _, name := range s.order {
		snap.Items = append(snap.Items, s.byName[name].Snapshot())
	}
	return snap
}

// Item is one structured record: a title, text content, a hierarchy level,
// free-form metadata, and an optional reference to an embedded blob.
type Item struct {
	section *Section
	name    string
	title   string
	content string
	imageID string
	level   int
	data    map[string]any
}

func (it *Item) Name() string    { return it.name }
func (it *Item) Title() string   { return it.title }
func (it *Item) Content() string { return it.content }
func (it *Item) Level() int      { return it.level }

// ImageID returns the item's blob reference, or "" if none.
func (it *Item) ImageID() string { return it.imageID }

func (it *Item) SetTitle(title string) error {
	if err := it.section.data.archive.checkWritable(); err != nil {
		return err
	}
	it.title = title
	return nil
}

func (it *Item) SetContent(content string) error {
	if err := it.section.data.archive.checkWritable(); err != nil {
		return err
	}
	it.content = content
	return nil
}

func (it *Item) SetLevel(level int) error {
	if err := it.section.data.archive.checkWritable(); err != nil {
		return err
	}
	it.level = level
	return nil
}

// SetImageID sets or clears (id == "") the item's blob reference. The
// reference is validated at save time, not here.
func (it *Item) SetImageID(id string) error {
	if err := it.section.data.archive.checkWritable(); err != nil {
		return err
	}
	it.imageID = id
	return nil
}

// SetData sets a free-form metadata key. Values are restricted to text,
// integer, float, and boolean.
func (it *Item) SetData(name string, value any) error {
	if err := it.section.data.archive.checkWritable(); err != nil {
		return err
	}
	v, err := normalizeValue(value)
	if err != nil {
		return err
	}
	if it.data == nil {
		it.data = make(map[string]any)
	}
	it.data[name] = v
	return nil
}

// Data returns a free-form metadata value.
func (it *Item) Data(name string) (any, error) {
	if err := it.section.data.archive.checkReadable(); err != nil {
		return nil, err
	}
	v, ok := it.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: item data %q", ErrNotFound, name)
	}
	return v, nil
}

// RemoveData removes a free-form metadata key.
func (it *Item) RemoveData(name string) error {
	if err := it.section.data.archive.checkWritable(); err != nil {
		return err
	}
	if _, ok := it.data[name]; !ok {
		return fmt.Errorf("%w: item data %q", ErrNotFound, name)
	}
	delete(it.data, name)
	return nil
}

// Image opens the item's referenced blob for reading.
func (it *Item) Image() (io.ReadCloser, error) {
	if it.imageID == "" {
		return nil, fmt.Errorf("%w: item %q has no image", ErrNotFound, it.name)
	}
	return it.section.data.archive.OpenFile(it.imageID)
}

// ItemSnapshot is a pure value copy of an item.
type ItemSnapshot struct {
	Name    string         `json:"name"`
	Title   string         `json:"title"`
	Content string         `json:"content"`
	ImageID string         `json:"image_id,omitempty"`
	Level   int            `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}

// Snapshot returns a structural copy of the item. It is not a live view.
// Once the owning session is closed it returns the zero snapshot.
func (it *Item) Snapshot() ItemSnapshot {
	if it.section.data.archive.checkReadable() != nil {
		return ItemSnapshot{}
	}
	return ItemSnapshot{
		Name:    it.name,
		Title:   it.title,
		Content: it.content,
		ImageID: it.imageID,
		Level:   it.level,
		Data:    maps.Clone(it.data),
	}
}

// normalizeValue restricts free-form metadata values to a closed variant set
// and normalizes numeric types so that values survive an encode/decode
// round-trip unchanged.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > 1<<63-1 {
			return nil, fmt.Errorf("%w: integer value overflows int64", ErrValidation)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("%w: unsupported metadata value type %T", ErrValidation, v)
	}
}
