// Package catalog resolves USB adapter identifiers against the remote
// adapter table. Lookups degrade to the unknown driver when the table
// cannot be fetched; the device identifier itself is always known even
// when the catalog is not.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UnknownDriver is the sentinel driver name returned when no catalog entry
// matches or the catalog could not be fetched. The collector requires an
// explicit operator confirmation before proceeding with it.
const UnknownDriver = "unknown"

// fetchTimeout bounds the catalog download. The catalog is a convenience,
// not a dependency, so keep this short.
const fetchTimeout = 10 * time.Second

// Entry is one row of the adapter table.
type Entry struct {
	ID      string // vendor:product, e.g. "2357:0138"
	Chipset string
	Driver  string
	Notes   string
}

// Unknown returns the sentinel entry for an unrecognized identifier.
func Unknown(id string) Entry {
	return Entry{ID: id, Driver: UnknownDriver}
}

// IsUnknown reports whether e carries the unknown-driver sentinel.
func (e Entry) IsUnknown() bool {
	return e.Driver == UnknownDriver
}

// Catalog holds a parsed adapter table.
type Catalog struct {
	entries []Entry
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Entries returns all entries in table order.
func (c *Catalog) Entries() []Entry {
	return c.entries
}

// Lookup scans for a case-insensitive whole-field match on the identifier
// and returns the first match. Key uniqueness is an invariant of the table
// itself, not enforced here. A miss yields the unknown sentinel.
func (c *Catalog) Lookup(id string) Entry {
	for _, e := range c.entries {
		if strings.EqualFold(e.ID, id) {
			return e
		}
	}
	return Unknown(id)
}

// Parse reads the whitespace-delimited adapter table. Rows are
// "IDENTIFIER CHIPSET DRIVER NOTES..."; blank lines and #-prefixed
// comment lines are ignored.
func Parse(r io.Reader) (*Catalog, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: want at least IDENTIFIER CHIPSET DRIVER, got %q", lineno, line)
		}

		entry := Entry{
			ID:      fields[0],
			Chipset: fields[1],
			Driver:  fields[2],
		}
		if len(fields) > 3 {
			entry.Notes = strings.Join(fields[3:], " ")
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read adapter table: %w", err)
	}

	return &Catalog{entries: entries}, nil
}

// Fetch downloads and parses the adapter table from url.
func Fetch(url string) (*Catalog, error) {
	client := &http.Client{Timeout: fetchTimeout}

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch adapter catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("adapter catalog fetch returned %s", resp.Status)
	}

	return Parse(resp.Body)
}

// Resolve fetches the catalog and looks up id. Any fetch or parse failure
// degrades to the unknown sentinel instead of propagating; the pipeline
// treats a missing catalog as "driver unknown", never as a fatal error.
func Resolve(url, id string) Entry {
	cat, err := Fetch(url)
	if err != nil {
		return Unknown(id)
	}
	return cat.Lookup(id)
}
