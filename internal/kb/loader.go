package kb

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/autokb/faultmatch/internal/errors"
)

// LoadResult is the outcome of loading a knowledge-base file.
type LoadResult struct {
	Cases []Case
	// Skipped counts records dropped for a missing id or empty text.
	// Such records are not retrievable and keeping them would poison
	// every index built on top.
	Skipped int
}

// Load reads a knowledge-base file and returns its cases. The format is
// sniffed from the content: a leading "[" means a JSON array, a first line
// with commas and an id/text header means CSV, anything else is treated as
// JSONL. A UTF-8 BOM is tolerated. Duplicate ids are an error; records
// without an id or text are skipped and counted.
func Load(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeFileNotFound,
				fmt.Sprintf("knowledge base not found: %s", path), err).
				WithSuggestion("set DATA_FILE or place the file at the configured path")
		}
		if os.IsPermission(err) {
			return nil, errors.New(errors.ErrCodeFilePermission,
				fmt.Sprintf("knowledge base not readable: %s", path), err)
		}
		return nil, errors.IOError(fmt.Sprintf("reading %s", path), err)
	}

	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	var cases []Case
	switch {
	case looksLikeJSONArray(data):
		cases, err = parseJSONArray(path, data)
	case looksLikeCSV(data):
		cases, err = parseCSV(path, data)
	default:
		cases, err = parseJSONL(path, data)
	}
	if err != nil {
		return nil, err
	}

	return dedupe(path, cases)
}

func looksLikeJSONArray(data []byte) bool {
	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func looksLikeCSV(data []byte) bool {
	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	// JSON-shaped content is never CSV, even though a JSONL line does
	// contain commas and the substring "id".
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}
	first := trimmed
	if i := bytes.IndexByte(trimmed, '\n'); i >= 0 {
		first = trimmed[:i]
	}
	if !bytes.ContainsRune(first, ',') {
		return false
	}
	lower := strings.ToLower(string(first))
	for _, marker := range []string{"id", "text", "编号", "故障现象"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func parseJSONArray(path string, data []byte) ([]Case, error) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.New(errors.ErrCodeDataMalformed,
			fmt.Sprintf("%s: invalid JSON array: %v", path, err), err)
	}
	cases := make([]Case, 0, len(records))
	for _, rec := range records {
		cases = append(cases, caseFromRecord(rec))
	}
	return cases, nil
}

func parseJSONL(path string, data []byte) ([]Case, error) {
	var cases []Case
	for lineno, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			preview := string(line)
			if len(preview) > 120 {
				preview = preview[:120]
			}
			return nil, errors.New(errors.ErrCodeDataMalformed,
				fmt.Sprintf("%s:%d: invalid JSONL record: %v; line: %q", path, lineno+1, err, preview), err)
		}
		cases = append(cases, caseFromRecord(rec))
	}
	return cases, nil
}

// csv column aliases, matching the headers seen in upstream exports.
var (
	csvIDCols     = []string{"id", "ID", "编号"}
	csvTextCols   = []string{"text", "故障现象", "描述"}
	csvSystemCols = []string{"system", "系统"}
	csvPartCols   = []string{"part", "部件"}
	csvPopCols    = []string{"popularity", "热度"}
)

func parseCSV(path string, data []byte) ([]Case, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.New(errors.ErrCodeDataMalformed,
			fmt.Sprintf("%s: invalid CSV: %v", path, err), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	cols := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		cols[strings.TrimSpace(h)] = i
	}
	field := func(row []string, names []string) string {
		for _, n := range names {
			if i, ok := cols[n]; ok && i < len(row) {
				if v := strings.TrimSpace(row[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	cases := make([]Case, 0, len(rows)-1)
	for _, row := range rows[1:] {
		pop, _ := strconv.ParseFloat(field(row, csvPopCols), 64)
		cases = append(cases, Case{
			ID:          field(row, csvIDCols),
			Text:        field(row, csvTextCols),
			System:      field(row, csvSystemCols),
			Part:        field(row, csvPartCols),
			Tags:        splitTags(field(row, []string{"tags"})),
			VehicleType: field(row, []string{"vehicletype"}),
			FaultCode:   field(row, []string{"faultcode"}),
			Popularity:  pop,
		})
	}
	return cases, nil
}

func dedupe(path string, cases []Case) (*LoadResult, error) {
	res := &LoadResult{Cases: make([]Case, 0, len(cases))}
	seen := make(map[string]struct{}, len(cases))
	for _, c := range cases {
		if c.ID == "" || strings.TrimSpace(c.Text) == "" {
			res.Skipped++
			continue
		}
		if _, dup := seen[c.ID]; dup {
			return nil, errors.New(errors.ErrCodeDuplicateID,
				fmt.Sprintf("%s: duplicate case id %q", path, c.ID), nil)
		}
		seen[c.ID] = struct{}{}
		res.Cases = append(res.Cases, c)
	}
	return res, nil
}

func caseFromRecord(rec map[string]any) Case {
	c := Case{
		ID:          stringValue(rec["id"]),
		Text:        stringValue(rec["text"]),
		System:      stringValue(rec["system"]),
		Part:        stringValue(rec["part"]),
		VehicleType: firstString(rec, "vehicletype", "vehicle_type"),
		FaultCode:   firstString(rec, "faultcode", "fault_code"),
		Tags:        tagList(rec["tags"]),
		Popularity:  floatValue(rec["popularity"]),
	}

	var extra map[string]any
	for k, v := range rec {
		switch k {
		case "id", "text", "system", "part", "tags", "popularity",
			"vehicletype", "vehicle_type", "faultcode", "fault_code":
		default:
			if extra == nil {
				extra = make(map[string]any)
			}
			extra[k] = v
		}
	}
	c.Extra = extra
	return c
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(rec[k]); s != "" {
			return s
		}
	}
	return ""
}

// floatValue coerces JSON numbers and numeric strings; anything else is 0.
func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// tagList accepts either a JSON string array or a pipe-separated string.
func tagList(v any) []string {
	switch t := v.(type) {
	case []any:
		var tags []string
		for _, item := range t {
			if s := stringValue(item); s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		return splitTags(t)
	default:
		return nil
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, part := range strings.Split(s, "|") {
		if p := strings.TrimSpace(part); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
