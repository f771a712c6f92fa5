// Package ingest reads member, claim and observation extracts from CSV.
//
// Each file starts with a header row; columns are matched by name so extra
// columns and any column order are accepted. Code lists inside a cell are
// separated by semicolons. A row that cannot be used is reported as a data
// quality finding and never aborts the load; only a missing file or a
// header without the required columns is an error.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/member"
)

// Default file names inside a dataset directory.
const (
	MembersFile      = "members.csv"
	ClaimsFile       = "claims.csv"
	ObservationsFile = "observations.csv"
)

// ParseDate accepts ISO, US and compact date forms. It returns false for
// anything else so the caller can leave the date zero.
func ParseDate(s string) (time.Time, bool) {
	return member.ParseDate(s)
}

// SplitCodes splits a semicolon-separated code cell, dropping blanks.
func SplitCodes(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ";") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// LoadDir reads members.csv plus the optional claims.csv and
// observations.csv from dir.
func LoadDir(dir string) (member.Dataset, []audit.Finding, error) {
	var ds member.Dataset
	var findings []audit.Finding

	err := readFile(filepath.Join(dir, MembersFile), true, func(r io.Reader) error {
		recs, f, err := ReadMembers(r)
		ds.Members, findings = recs, append(findings, f...)
		return err
	})
	if err != nil {
		return ds, nil, err
	}
	err = readFile(filepath.Join(dir, ClaimsFile), false, func(r io.Reader) error {
		claims, f, err := ReadClaims(r)
		ds.Claims, findings = claims, append(findings, f...)
		return err
	})
	if err != nil {
		return ds, nil, err
	}
	err = readFile(filepath.Join(dir, ObservationsFile), false, func(r io.Reader) error {
		obs, f, err := ReadObservations(r)
		ds.Observations, findings = obs, append(findings, f...)
		return err
	})
	if err != nil {
		return ds, nil, err
	}
	return ds, findings, nil
}

func readFile(path string, required bool, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// table walks a CSV stream by header name.
type table struct {
	source   string
	r        *csv.Reader
	cols     map[string]int
	row      int
	findings []audit.Finding
}

func newTable(source string, r io.Reader, required ...string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty file", source)
	}
	if err != nil {
		return nil, fmt.Errorf("%s header: %w", source, err)
	}
	t := &table{source: source, r: cr, cols: make(map[string]int, len(header))}
	for i, h := range header {
		t.cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	var missing []string
	for _, name := range required {
		if _, ok := t.cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing required columns %s", source, strings.Join(missing, ", "))
	}
	return t, nil
}

// next returns the following data row, skipping and reporting rows the
// CSV reader rejects. It returns nil at end of input.
func (t *table) next() []string {
	for {
		rec, err := t.r.Read()
		if err == io.EOF {
			return nil
		}
		t.row++
		if err != nil {
			t.warn("", "", fmt.Sprintf("unreadable row skipped: %v", err))
			continue
		}
		if len(rec) < len(t.cols) {
			t.warn(t.cell(rec, "member_id"), "", fmt.Sprintf("row has %d fields, header has %d; missing fields read as empty", len(rec), len(t.cols)))
		}
		return rec
	}
}

func (t *table) cell(rec []string, name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// date leaves unparseable values zero; member.BuildIndex reports them.
func (t *table) date(rec []string, name string) time.Time {
	d, _ := ParseDate(t.cell(rec, name))
	return d
}

func (t *table) warn(memberID, field, msg string) {
	t.findings = append(t.findings, audit.Finding{
		Kind:     audit.DataQuality,
		Source:   t.source,
		Row:      t.row,
		MemberID: memberID,
		Field:    field,
		Message:  msg,
	})
}

// ReadMembers reads demographics. enrollment_months, region and subgroup
// are optional columns; a blank or unparseable enrollment value is absent.
func ReadMembers(r io.Reader) ([]member.Record, []audit.Finding, error) {
	t, err := newTable("members", r, "member_id", "birth_date", "sex")
	if err != nil {
		return nil, nil, err
	}
	var out []member.Record
	for rec := t.next(); rec != nil; rec = t.next() {
		m := member.Record{
			MemberID: t.cell(rec, "member_id"),
			Sex:      t.cell(rec, "sex"),
			Region:   t.cell(rec, "region"),
			Subgroup: t.cell(rec, "subgroup"),
		}
		m.BirthDate = t.date(rec, "birth_date")
		if raw := t.cell(rec, "enrollment_months"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				t.warn(m.MemberID, "enrollment_months", fmt.Sprintf("unparseable enrollment months %q, treated as absent", raw))
			} else {
				m.EnrollmentMonths = &n
			}
		}
		out = append(out, m)
	}
	return out, t.findings, nil
}

// ReadClaims reads claim lines.
func ReadClaims(r io.Reader) ([]member.Claim, []audit.Finding, error) {
	t, err := newTable("claims", r, "member_id", "service_date", "claim_type")
	if err != nil {
		return nil, nil, err
	}
	var out []member.Claim
	for rec := t.next(); rec != nil; rec = t.next() {
		c := member.Claim{
			MemberID:       t.cell(rec, "member_id"),
			DiagnosisCodes: SplitCodes(t.cell(rec, "diagnosis_codes")),
			ProcedureCodes: SplitCodes(t.cell(rec, "procedure_codes")),
			ClaimType:      t.cell(rec, "claim_type"),
		}
		c.ServiceDate = t.date(rec, "service_date")
		out = append(out, c)
	}
	return out, t.findings, nil
}

// ReadObservations reads clinical values. A row whose value is not a
// number is skipped.
func ReadObservations(r io.Reader) ([]member.Observation, []audit.Finding, error) {
	t, err := newTable("observations", r, "member_id", "observation_date", "metric", "value")
	if err != nil {
		return nil, nil, err
	}
	var out []member.Observation
	for rec := t.next(); rec != nil; rec = t.next() {
		o := member.Observation{
			MemberID: t.cell(rec, "member_id"),
			Metric:   t.cell(rec, "metric"),
		}
		raw := t.cell(rec, "value")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			t.warn(o.MemberID, "value", fmt.Sprintf("unparseable value %q, row skipped", raw))
			continue
		}
		o.Value = v
		o.ObservationDate = t.date(rec, "observation_date")
		out = append(out, o)
	}
	return out, t.findings, nil
}
