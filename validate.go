package bdm

import (
	"fmt"
	"strings"
)

// validateInternalName checks a blob's persisted container name. Names are
// flat file names under files/; anything that could escape or nest is
// rejected.
func validateInternalName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: internal name is empty", ErrValidation)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: internal name %q must not contain path separators", ErrValidation, name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: internal name %q", ErrValidation, name)
	}
	return nil
}

// validateGraph checks the record tree against the blob store before a save.
// Every item blob reference must resolve; references are deliberately not
// checked when the item is added, so "add item, then add file" orderings
// work. Nothing is written when validation fails.
func validateGraph(d *Data, blobs *blobStore, limits Limits) error {
	if len(d.order) > limits.MaxSections {
		return fmt.Errorf("%w: too many sections", ErrLimitExceeded)
	}
	if len(blobs.names) > limits.MaxFiles {
		return fmt.Errorf("%w: too many files", ErrLimitExceeded)
	}
	for _, sectionName := range d.order {
		s := d.byName[sectionName]
		if len(s.order) > limits.MaxItemsPerSection {
			return fmt.Errorf("%w: too many items in section %q", ErrLimitExceeded, sectionName)
		}
		for _, itemName := range s.order {
			it := s.byName[itemName]
			if it.imageID == "" {
				continue
			}
			if !blobs.has(it.imageID) {
				return fmt.Errorf("%w: item %q in section %q references unknown file %q",
					ErrInvalidParent, itemName, sectionName, it.imageID)
			}
		}
	}
	return nil
}

// referencingItem reports the first item referencing the given blob
// identifier, if any. Used to refuse removing a blob that is still in use.
func referencingItem(d *Data, id string) (section, item string, found bool) {
	for _, sectionName := range d.order {
		s := d.byName[sectionName]
		for _, itemName := range s.order {
			if s.byName[itemName].imageID == id {
				return sectionName, itemName, true
			}
		}
	}
	return "", "", false
}
