package report

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Format selects a report rendering.
type Format string

// Supported formats.
const (
	FormatPlain Format = "plain"
	FormatJUnit Format = "junit"
	FormatJSON  Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatPlain, FormatJUnit, FormatJSON:
		return Format(name), nil
	default:
		return "", fmt.Errorf("unknown report format: %q", name)
	}
}

// FileExtension returns the output file extension for the format.
func (f Format) FileExtension() string {
	switch f {
	case FormatJUnit:
		return "xml"
	case FormatJSON:
		return "json"
	default:
		return "txt"
	}
}

// Render produces the report text for the parsed results.
func (p *Parser) Render(format Format) (string, error) {
	switch format {
	case FormatPlain:
		return p.renderPlain(), nil
	case FormatJUnit:
		return p.renderJUnit()
	case FormatJSON:
		return p.renderJSON()
	default:
		return "", fmt.Errorf("unknown report format: %q", format)
	}
}

func (p *Parser) renderPlain() string {
	suite := p.Suite()
	if suite == "" {
		suite = "tests"
	}
	summary := p.Summarize()

	var b strings.Builder
	fmt.Fprintf(&b, "Test Suite '%s'\n", suite)
	fmt.Fprintf(&b, "  %d tests, %d passed, %d failed (%.3fs)\n",
		summary.Total, summary.Passed, summary.Failed, summary.Duration.Seconds())
	for _, tc := range p.Cases() {
		if tc.Status != StatusFailed {
			continue
		}
		if tc.Message != "" {
			fmt.Fprintf(&b, "  FAIL %s (%.3fs): %s\n", tc.ID(), tc.Duration.Seconds(), tc.Message)
		} else {
			fmt.Fprintf(&b, "  FAIL %s (%.3fs)\n", tc.ID(), tc.Duration.Seconds())
		}
	}
	return b.String()
}

// JUnit XML schema types.

type junitTestSuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Time     string          `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	ClassName string        `xml:"classname,attr"`
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

func (p *Parser) renderJUnit() (string, error) {
	suite := p.Suite()
	if suite == "" {
		suite = "tests"
	}
	summary := p.Summarize()

	doc := junitTestSuite{
		Name:     suite,
		Tests:    summary.Total,
		Failures: summary.Failed,
		Time:     fmt.Sprintf("%.3f", summary.Duration.Seconds()),
	}
	for _, tc := range p.Cases() {
		entry := junitTestCase{
			ClassName: tc.ClassName,
			Name:      tc.Name,
			Time:      fmt.Sprintf("%.3f", tc.Duration.Seconds()),
		}
		if tc.Status == StatusFailed {
			entry.Failure = &junitFailure{Message: tc.Message, Body: tc.Message}
		}
		doc.Cases = append(doc.Cases, entry)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render junit report: %w", err)
	}
	return xml.Header + string(data) + "\n", nil
}

// JSON schema types.

type jsonReport struct {
	Suite    string         `json:"suite"`
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Duration float64        `json:"durationSeconds"`
	Cases    []jsonTestCase `json:"cases"`
}

type jsonTestCase struct {
	ClassName string  `json:"className"`
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	Duration  float64 `json:"durationSeconds"`
	Message   string  `json:"message,omitempty"`
}

func (p *Parser) renderJSON() (string, error) {
	summary := p.Summarize()
	doc := jsonReport{
		Suite:    p.Suite(),
		Total:    summary.Total,
		Passed:   summary.Passed,
		Failed:   summary.Failed,
		Duration: summary.Duration.Seconds(),
	}
	for _, tc := range p.Cases() {
		doc.Cases = append(doc.Cases, jsonTestCase{
			ClassName: tc.ClassName,
			Name:      tc.Name,
			Status:    tc.Status,
			Duration:  tc.Duration.Seconds(),
			Message:   tc.Message,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render json report: %w", err)
	}
	return string(data) + "\n", nil
}
