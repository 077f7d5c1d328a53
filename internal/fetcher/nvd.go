// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package fetcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vulnsync/internal/models"
)

// nvdResponse is the envelope of /rest/json/cves/2.0.
type nvdResponse struct {
	ResultsPerPage  int          `json:"resultsPerPage"`
	StartIndex      int          `json:"startIndex"`
	TotalResults    int          `json:"totalResults"`
	Format          string       `json:"format"`
	Version         string       `json:"version"`
	Timestamp       string       `json:"timestamp"`
	Vulnerabilities []nvdWrapper `json:"vulnerabilities"`
}

type nvdWrapper struct {
	CVE map[string]interface{} `json:"cve"`
}

// nvdCVE is the subset of the cve object that Normalize reads.
type nvdCVE struct {
	ID               string           `json:"id"`
	SourceIdentifier string           `json:"sourceIdentifier"`
	Published        string           `json:"published"`
	LastModified     string           `json:"lastModified"`
	VulnStatus       string           `json:"vulnStatus"`
	Descriptions     []nvdDescription `json:"descriptions"`
	Metrics          nvdMetrics       `json:"metrics"`
}

type nvdDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetrics struct {
	V40 []nvdMetric `json:"cvssMetricV40"`
	V31 []nvdMetric `json:"cvssMetricV31"`
	V30 []nvdMetric `json:"cvssMetricV30"`
	V2  []nvdMetric `json:"cvssMetricV2"`
}

type nvdMetric struct {
	Source       string `json:"source"`
	Type         string `json:"type"`
	BaseSeverity string `json:"baseSeverity"` // v2 keeps severity outside cvssData
	CVSSData     struct {
		BaseScore    *float64 `json:"baseScore"`
		BaseSeverity string   `json:"baseSeverity"`
	} `json:"cvssData"`
}

// nvdTimestampLayouts covers the timestamp shapes seen in NVD responses:
// zone-less milliseconds, and RFC 3339 with or without fractional seconds.
var nvdTimestampLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// ErrInvalidRecord is returned by Normalize for records that cannot be stored.
var ErrInvalidRecord = errors.New("invalid upstream record")

// parseNVDTime parses an upstream timestamp. Zone-less values are UTC.
func parseNVDTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range nvdTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// decodePage turns a response body into a Page positioned at cur.
func decodePage(body []byte, cur Cursor) (*Page, error) {
	var resp nvdResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode page at %d: %w", cur.StartIndex, err)
	}

	page := &Page{
		TotalResults: resp.TotalResults,
		StartIndex:   resp.StartIndex,
		Records:      make([]models.SourceRecord, 0, len(resp.Vulnerabilities)),
	}
	for _, w := range resp.Vulnerabilities {
		if w.CVE == nil {
			continue
		}
		rec := models.SourceRecord{Payload: w.CVE}
		if id, ok := w.CVE["id"].(string); ok {
			rec.ID = id
		}
		if lm, ok := w.CVE["lastModified"].(string); ok {
			if t, err := parseNVDTime(lm); err == nil {
				rec.LastModified = t
			}
		}
		page.Records = append(page.Records, rec)
	}

	consumed := resp.StartIndex + len(resp.Vulnerabilities)
	if len(resp.Vulnerabilities) > 0 && consumed < resp.TotalResults {
		next := cur.At(consumed)
		page.Next = &next
	}
	return page, nil
}

// Normalize projects an upstream record onto the persisted columns.
// A record without an ID or a parseable lastModified is rejected.
func Normalize(rec models.SourceRecord) (models.Vulnerability, error) {
	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return models.Vulnerability{}, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, rec.ID, err)
	}
	var cve nvdCVE
	if err := json.Unmarshal(raw, &cve); err != nil {
		return models.Vulnerability{}, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, rec.ID, err)
	}

	id := cve.ID
	if id == "" {
		id = rec.ID
	}
	if id == "" {
		return models.Vulnerability{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}

	lastModified := rec.LastModified
	if cve.LastModified != "" {
		lastModified, err = parseNVDTime(cve.LastModified)
		if err != nil {
			return models.Vulnerability{}, fmt.Errorf("%w: %s: lastModified: %w", ErrInvalidRecord, id, err)
		}
	}
	if lastModified.IsZero() {
		return models.Vulnerability{}, fmt.Errorf("%w: %s: missing lastModified", ErrInvalidRecord, id)
	}

	v := models.Vulnerability{
		CVEID:            id,
		Description:      englishDescription(cve.Descriptions),
		LastModified:     lastModified,
		SourceIdentifier: cve.SourceIdentifier,
		VulnStatus:       cve.VulnStatus,
	}
	if cve.Published != "" {
		if t, err := parseNVDTime(cve.Published); err == nil {
			v.PublishedAt = t
		}
	}
	v.Severity, v.CVSSScore = cve.Metrics.best()
	return v, nil
}

func englishDescription(descs []nvdDescription) string {
	for _, d := range descs {
		if strings.EqualFold(d.Lang, "en") {
			return d.Value
		}
	}
	if len(descs) > 0 {
		return descs[0].Value
	}
	return ""
}

// best picks severity and score from the newest CVSS version present,
// preferring the Primary (NVD) metric within a version.
func (m nvdMetrics) best() (string, *float64) {
	for _, set := range [][]nvdMetric{m.V40, m.V31, m.V30, m.V2} {
		if len(set) == 0 {
			continue
		}
		chosen := set[0]
		for _, metric := range set {
			if metric.Type == "Primary" {
				chosen = metric
				break
			}
		}
		severity := chosen.CVSSData.BaseSeverity
		if severity == "" {
			severity = chosen.BaseSeverity
		}
		return normalizeSeverity(severity), chosen.CVSSData.BaseScore
	}
	return "", nil
}

func normalizeSeverity(s string) string {
	switch s = strings.ToUpper(strings.TrimSpace(s)); s {
	case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow, models.SeverityNone:
		return s
	default:
		return ""
	}
}
