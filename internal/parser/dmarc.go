// Package parser decodes DMARC aggregate report attachments and extracts their records.
package parser

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/kidager/dmarcpipe/pkg/types"
)

// dmarcFeedback represents the root element of a DMARC aggregate report.
type dmarcFeedback struct {
	XMLName         xml.Name             `xml:"feedback"`
	ReportMetadata  dmarcReportMetadata  `xml:"report_metadata"`
	PolicyPublished dmarcPolicyPublished `xml:"policy_published"`
	Records         []dmarcRecord        `xml:"record"`
}

type dmarcReportMetadata struct {
	OrgName   string         `xml:"org_name"`
	Email     string         `xml:"email"`
	ReportID  string         `xml:"report_id"`
	DateRange dmarcDateRange `xml:"date_range"`
}

type dmarcDateRange struct {
	Begin string `xml:"begin"`
	End   string `xml:"end"`
}

type dmarcPolicyPublished struct {
	Domain string `xml:"domain"`
	P      string `xml:"p"`
}

type dmarcRecord struct {
	Row         dmarcRow         `xml:"row"`
	Identifiers dmarcIdentifiers `xml:"identifiers"`
	AuthResults dmarcAuthResults `xml:"auth_results"`
}

// Count is kept as text so a missing or non-numeric value does not fail the
// whole document.
type dmarcRow struct {
	SourceIP        string               `xml:"source_ip"`
	Count           string               `xml:"count"`
	PolicyEvaluated dmarcPolicyEvaluated `xml:"policy_evaluated"`
}

type dmarcPolicyEvaluated struct {
	Disposition string `xml:"disposition"`
	DKIM        string `xml:"dkim"`
	SPF         string `xml:"spf"`
}

type dmarcIdentifiers struct {
	HeaderFrom   string `xml:"header_from"`
	EnvelopeFrom string `xml:"envelope_from"`
}

type dmarcAuthResults struct {
	DKIM []dmarcAuthDomain `xml:"dkim"`
	SPF  []dmarcAuthDomain `xml:"spf"`
}

type dmarcAuthDomain struct {
	Domain string `xml:"domain"`
	Result string `xml:"result"`
}

// Aggregate is the parsed content of one aggregate report document.
type Aggregate struct {
	ReportingOrg string
	ReportID     string
	PolicyDomain string
	Begin        time.Time
	End          time.Time
	// Records carry no message id, processing time or enrichment yet.
	Records []types.Record
}

// ParseAggregate parses one decompressed DMARC aggregate report. Every record
// element yields exactly one row; missing sub-fields become empty or unknown.
// Documents declaring a non-UTF-8 encoding are transcoded.
func ParseAggregate(data []byte) (*Aggregate, error) {
	var feedback dmarcFeedback
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&feedback); err != nil {
		return nil, &ParseError{Kind: Malformed, Err: err}
	}

	return convertFeedback(&feedback), nil
}

// convertFeedback converts the XML structure to our domain types.
func convertFeedback(f *dmarcFeedback) *Aggregate {
	agg := &Aggregate{
		ReportingOrg: strings.TrimSpace(f.ReportMetadata.OrgName),
		ReportID:     strings.TrimSpace(f.ReportMetadata.ReportID),
		PolicyDomain: strings.TrimSpace(f.PolicyPublished.Domain),
		Begin:        parseEpoch(f.ReportMetadata.DateRange.Begin),
		End:          parseEpoch(f.ReportMetadata.DateRange.End),
		Records:      make([]types.Record, 0, len(f.Records)),
	}

	for _, record := range f.Records {
		policy := record.Row.PolicyEvaluated
		agg.Records = append(agg.Records, types.Record{
			ReportingOrg: agg.ReportingOrg,
			SourceIP:     strings.TrimSpace(record.Row.SourceIP),
			Count:        parseCount(record.Row.Count),
			Disposition:  types.ParseDisposition(policy.Disposition),
			DKIMResult:   types.ParseAuthResult(policy.DKIM),
			SPFResult:    types.ParseAuthResult(policy.SPF),
			HeaderFrom:   strings.TrimSpace(record.Identifiers.HeaderFrom),
			Domain:       authenticatedDomain(record.AuthResults),
		})
	}

	return agg
}

// authenticatedDomain prefers the DKIM signing domain, then the SPF domain.
func authenticatedDomain(ar dmarcAuthResults) string {
	for _, dkim := range ar.DKIM {
		if d := strings.TrimSpace(dkim.Domain); d != "" {
			return d
		}
	}
	for _, spf := range ar.SPF {
		if d := strings.TrimSpace(spf.Domain); d != "" {
			return d
		}
	}
	return ""
}

func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseEpoch(s string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
