package bdm

import (
	"bytes"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "test.bdm"), ModeWrite, WithStagingDir(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func buildSampleGraph(t *testing.T, a *Archive) {
	t.Helper()
	notes, err := a.Data().AddSection("notes", "text", "Personal notes")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := notes.AddItem("First Note", "hi", 1, WithItemName("first")); err != nil {
		t.Fatal(err)
	}
	second, err := notes.AddItem("Second Note", "with metadata", 2,
		WithItemName("second"),
		WithItemImage("img1"),
		WithItemData(map[string]any{"starred": true, "count": 42, "ratio": 0.5, "tag": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := second.SetData("extra", "later"); err != nil {
		t.Fatal(err)
	}
	refs, err := a.Data().AddSection("refs", "links", "External references")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := refs.AddItem("A Link", "https://example.com", 1, WithItemName("link")); err != nil {
		t.Fatal(err)
	}
}

func sectionSnapshots(d *Data) []SectionSnapshot {
	var out []SectionSnapshot
	for _, s := range d.Sections() {
		out = append(out, s.Snapshot())
	}
	return out
}

func TestDataRoundTrip(t *testing.T) {
	for _, comp := range []Compression{CompNone, CompZSTD, CompLZ4, CompBR} {
		t.Run(compressionName(comp), func(t *testing.T) {
			src := newTestArchive(t)
			buildSampleGraph(t, src)

			var buf bytes.Buffer
			if err := encodeData(&buf, src.data, comp); err != nil {
				t.Fatalf("encode: %v", err)
			}

			dst := newTestArchive(t)
			got, err := decodeData(bytes.NewReader(buf.Bytes()), dst, defaultLimits())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(sectionSnapshots(src.data), sectionSnapshots(got)) {
				t.Fatalf("graph mismatch\nwant: %#v\ngot:  %#v", sectionSnapshots(src.data), sectionSnapshots(got))
			}
			if got.archive != dst {
				t.Fatal("decoded data not linked to its archive")
			}
			for _, s := range got.Sections() {
				if s.data != got {
					t.Fatalf("section %q not re-linked to decoded data", s.name)
				}
				for _, it := range s.Items() {
					if it.section != s {
						t.Fatalf("item %q not re-linked to section %q", it.name, s.name)
					}
				}
			}
		})
	}
}

func TestDataEncodeDeterministic(t *testing.T) {
	a := newTestArchive(t)
	buildSampleGraph(t, a)
	var one, two bytes.Buffer
	if err := encodeData(&one, a.data, CompZSTD); err != nil {
		t.Fatal(err)
	}
	if err := encodeData(&two, a.data, CompZSTD); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(one.Bytes(), two.Bytes()) {
		t.Fatal("same graph produced different bytes")
	}
}

func TestInfoRoundTrip(t *testing.T) {
	src := newTestArchive(t)
	if err := src.Info().SetName("Example"); err != nil {
		t.Fatal(err)
	}
	if err := src.Info().SetField("author", "blanko"); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{"img1": "aaaa.png", "img2": "bbbb.jpg"}

	var buf bytes.Buffer
	if err := encodeInfo(&buf, src.info, files, CompZSTD); err != nil {
		t.Fatalf("encode: %v", err)
	}

	dst := newTestArchive(t)
	info, gotFiles, err := decodeInfo(bytes.NewReader(buf.Bytes()), dst, defaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Name() != "Example" {
		t.Fatalf("name %q", info.Name())
	}
	if v, _ := info.fields["author"]; v != "blanko" {
		t.Fatalf("author field %v", v)
	}
	if !reflect.DeepEqual(files, gotFiles) {
		t.Fatalf("files mismatch: %v vs %v", files, gotFiles)
	}
	if info.archive != dst {
		t.Fatal("decoded info not linked to its archive")
	}
}

func TestDecodeEntryVersionGate(t *testing.T) {
	raw, err := cborEnc.Marshal(dataPayload{})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	e := envelope{Magic: entryMagic, Version: 1, Flags: uint16(CompNone)}
	if err := writeEnvelope(&buf, e); err != nil {
		t.Fatal(err)
	}
	buf.Write(raw)

	var out dataPayload
	err = decodeEntry(bytes.NewReader(buf.Bytes()), &out, 1<<20, 1<<20)
	if !errors.Is(err, ErrVersion) {
		t.Fatalf("got %v, want ErrVersion", err)
	}
}

func TestDecodeEntryCorruptPayload(t *testing.T) {
	var buf bytes.Buffer
	e := envelope{Magic: entryMagic, Version: Version, Flags: uint16(CompNone)}
	if err := writeEnvelope(&buf, e); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0xFF, 0x00, 0x13, 0x37}) // not CBOR

	var out dataPayload
	err := decodeEntry(bytes.NewReader(buf.Bytes()), &out, 1<<20, 1<<20)
	if !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("got %v, want ErrInvalidFile", err)
	}
}

func TestDecodeEntryTruncatedEnvelope(t *testing.T) {
	var out dataPayload
	err := decodeEntry(bytes.NewReader([]byte("BD")), &out, 1<<20, 1<<20)
	if !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("got %v, want ErrInvalidFile", err)
	}
}

func TestDecodeDataLimits(t *testing.T) {
	src := newTestArchive(t)
	buildSampleGraph(t, src)
	var buf bytes.Buffer
	if err := encodeData(&buf, src.data, CompNone); err != nil {
		t.Fatal(err)
	}

	dst := newTestArchive(t)
	limits := defaultLimits()
	limits.MaxSections = 1
	_, err := decodeData(bytes.NewReader(buf.Bytes()), dst, limits)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("got %v, want ErrLimitExceeded", err)
	}

	limits = defaultLimits()
	limits.MaxItemsPerSection = 1
	_, err = decodeData(bytes.NewReader(buf.Bytes()), dst, limits)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("got %v, want ErrLimitExceeded", err)
	}
}

func TestDecodeInfoRejectsBadInternalNames(t *testing.T) {
	for _, name := range []string{"", "../escape.png", `a\b.png`, "dir/file.png"} {
		raw, err := cborEnc.Marshal(infoPayload{
			Name:  "x",
			Files: []filePayload{{ID: "img1", Name: name}},
		})
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if err := writeEnvelope(&buf, envelope{Magic: entryMagic, Version: Version, Flags: uint16(CompNone)}); err != nil {
			t.Fatal(err)
		}
		buf.Write(raw)

		dst := newTestArchive(t)
		_, _, err = decodeInfo(bytes.NewReader(buf.Bytes()), dst, defaultLimits())
		if !errors.Is(err, ErrInvalidFile) {
			t.Fatalf("name %q: got %v, want ErrInvalidFile", name, err)
		}
	}
}
