// Package catalog enumerates the fixed set of trip-data partitions to ingest.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// DatasetType identifies a family of trip-data partitions.
type DatasetType string

const (
	Green  DatasetType = "green"
	Yellow DatasetType = "yellow"
	FHV    DatasetType = "fhv"
)

// KnownTypes lists every supported dataset type in a stable order.
var KnownTypes = []DatasetType{Green, Yellow, FHV}

// ParseType validates a dataset type name.
func ParseType(s string) (DatasetType, error) {
	t := DatasetType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown dataset type: %q", s)
}

// ParseTypes parses a comma separated list of dataset types.
func ParseTypes(s string) ([]DatasetType, error) {
	var out []DatasetType
	seen := make(map[DatasetType]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseType(part)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no dataset types in %q", s)
	}
	return out, nil
}

// Format is the on-the-wire encoding of a partition file.
type Format string

const (
	CSVGzip Format = "csv.gz"
	Parquet Format = "parquet"
)

// ParseFormat validates an artifact format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case CSVGzip, "csv", "csvgz":
		return CSVGzip, nil
	case Parquet:
		return Parquet, nil
	default:
		return "", fmt.Errorf("unknown artifact format: %q", s)
	}
}

// Ext returns the file extension without the leading dot.
func (f Format) Ext() string { return string(f) }

// WorkItem is one (type, year, month) partition. It is a value type and
// every name derived from it is a pure function of its fields.
type WorkItem struct {
	Type   DatasetType
	Year   int
	Month  int
	Format Format
}

// Filename returns the local and remote file name of the partition.
func (w WorkItem) Filename() string {
	return fmt.Sprintf("%s_tripdata_%d-%02d.%s", w.Type, w.Year, w.Month, w.Format.Ext())
}

// StagingKey returns the object-store key the partition is staged under.
func (w WorkItem) StagingKey() string {
	return string(w.Type) + "/" + w.Filename()
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s/%d-%02d", w.Type, w.Year, w.Month)
}

// Catalog describes the historical range to process.
type Catalog struct {
	Years  []int
	Months []int
	Format Format
}

// Default mirrors the historical range of the original load: 2019 and 2020,
// every month, gzip CSV.
func Default() Catalog {
	return Catalog{
		Years:  []int{2019, 2020},
		Months: AllMonths(),
		Format: CSVGzip,
	}
}

// AllMonths returns 1 through 12.
func AllMonths() []int {
	months := make([]int, 12)
	for i := range months {
		months[i] = i + 1
	}
	return months
}

// Validate checks the catalog range.
func (c Catalog) Validate() error {
	if len(c.Years) == 0 {
		return fmt.Errorf("catalog has no years")
	}
	if len(c.Months) == 0 {
		return fmt.Errorf("catalog has no months")
	}
	for _, m := range c.Months {
		if m < 1 || m > 12 {
			return fmt.Errorf("month out of range: %d", m)
		}
	}
	for _, y := range c.Years {
		if y < 1970 || y > 9999 {
			return fmt.Errorf("year out of range: %d", y)
		}
	}
	if _, err := ParseFormat(string(c.Format)); err != nil {
		return err
	}
	return nil
}

// Items returns every work item of the given type ordered by year then month.
// Duplicate years or months in the catalog collapse to one item.
func (c Catalog) Items(t DatasetType) []WorkItem {
	years := uniqueSorted(c.Years)
	months := uniqueSorted(c.Months)

	items := make([]WorkItem, 0, len(years)*len(months))
	for _, y := range years {
		for _, m := range months {
			items = append(items, WorkItem{Type: t, Year: y, Month: m, Format: c.Format})
		}
	}
	return items
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
