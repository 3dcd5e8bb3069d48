package delta3

import (
	"encoding/csv"
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// node is a generic XML element: the parser walks the document rather
// than binding each record shape, since every element appears in both
// an attribute form and a CSV-content form.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

// Parser decodes Delta3 XML documents. Malformed or unrecognized input
// yields a nil record and a rate-limited warning; the event stream is
// never interrupted by one bad document.
type Parser struct {
	logger  *slog.Logger
	warnlim *rate.Limiter
}

// NewParser creates a parser.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger:  logger.With("subsystem", "delta3"),
		warnlim: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// Parse decodes one Delta3 document. It returns nil for anything it
// cannot decode.
func (p *Parser) Parse(input string) Record {
	var n node
	if err := xml.Unmarshal([]byte(input), &n); err != nil {
		p.warn("malformed delta3 xml", input, "error", err)
		return nil
	}

	switch n.XMLName.Local {
	case "Detail":
		return p.parseDetail(n)
	case "CallLost":
		return p.parseCallLost(n)
	case "LinkLost":
		return p.parseLinkLost(n)
	case "AttemptReject":
		return p.parseAttemptReject(n)
	default:
		p.warn("unrecognized delta3 record", input, "tag", n.XMLName.Local)
		return nil
	}
}

func (p *Parser) warn(msg, input string, args ...any) {
	if p.warnlim.Allow() {
		p.logger.Warn(msg, append(args, "input", snippet(input, 100))...)
	}
}

// snippet returns at most n characters of s for log context.
func snippet(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (p *Parser) parseDetail(n node) *Detail {
	d := &Detail{}
	for _, c := range n.Children {
		switch c.XMLName.Local {
		case "Call":
			d.Call = parseCall(c)
		case "PartyA":
			d.PartyA = parseParty(c)
		case "PartyB":
			d.PartyB = parseParty(c)
		case "Target":
			d.Targets = append(d.Targets, parseTarget(c))
		case "Target_list":
			for _, t := range c.Children {
				if t.XMLName.Local == "Target" {
					d.Targets = append(d.Targets, parseTarget(t))
				}
			}
		}
	}
	return d
}

func parseCall(n node) CallInfo {
	if isAttributeForm(n) {
		return CallInfo{
			CallID:          attrInt(n, "CallID"),
			Flags:           attrInt(n, "Flags"),
			State:           attrInt(n, "State"),
			Stamp:           attrInt64(n, "Stamp"),
			ConnStamp:       attrInt64(n, "ConnStamp"),
			Cause:           attrInt(n, "Cause"),
			CalledType:      attrInt(n, "CalledType"),
			CallingNum:      attrStr(n, "CallingNum"),
			CallingName:     attrStr(n, "CallingName"),
			CalledNum:       attrStr(n, "CalledNum"),
			CalledName:      attrStr(n, "CalledName"),
			DialledNum:      attrStr(n, "DialledNum"),
			AccountCode:     attrStr(n, "AccountCode"),
			OwningHuntGroup: attrStr(n, "OwningHG"),
			Tag:             attrStr(n, "Tag"),
		}
	}
	f := splitCSV(n.Content)
	return CallInfo{
		CallID:          fieldInt(f, csvCallID),
		Flags:           fieldInt(f, csvCallFlags),
		State:           fieldInt(f, csvCallState),
		Stamp:           fieldInt64(f, csvCallStamp),
		ConnStamp:       fieldInt64(f, csvCallConnStamp),
		Cause:           fieldInt(f, csvCallCause),
		CalledType:      fieldInt(f, csvCallCalledType),
		CallingNum:      fieldStr(f, csvCallCallingNum),
		CallingName:     fieldStr(f, csvCallCallingName),
		CalledNum:       fieldStr(f, csvCallCalledNum),
		CalledName:      fieldStr(f, csvCallCalledName),
		DialledNum:      fieldStr(f, csvCallDialledNum),
		AccountCode:     fieldStr(f, csvCallAccountCode),
		OwningHuntGroup: fieldStr(f, csvCallOwningHG),
		Tag:             fieldStr(f, csvCallTag),
	}
}

func parseParty(n node) Party {
	if isAttributeForm(n) {
		return Party{
			ID:        attrInt(n, "ID"),
			EqType:    attrInt(n, "EqType"),
			Direction: attrStr(n, "Dir"),
			Number:    attrStr(n, "Num"),
			Name:      attrStr(n, "Name"),
			Channel:   attrInt(n, "Chan"),
		}
	}
	f := splitCSV(n.Content)
	return Party{
		ID:        fieldInt(f, csvPartyID),
		EqType:    fieldInt(f, csvPartyEqType),
		Direction: fieldStr(f, csvPartyDir),
		Number:    fieldStr(f, csvPartyNumber),
		Name:      fieldStr(f, csvPartyName),
		Channel:   fieldInt(f, csvPartyChannel),
	}
}

func parseTarget(n node) Target {
	if isAttributeForm(n) {
		return Target{
			Type:   attrInt(n, "Type"),
			Number: attrStr(n, "Num"),
			Name:   attrStr(n, "Name"),
			Stamp:  attrInt64(n, "Stamp"),
		}
	}
	f := splitCSV(n.Content)
	return Target{
		Type:   fieldInt(f, csvTargetType),
		Number: fieldStr(f, csvTargetNumber),
		Name:   fieldStr(f, csvTargetName),
		Stamp:  fieldInt64(f, csvTargetStamp),
	}
}

func (p *Parser) parseCallLost(n node) *CallLost {
	if isAttributeForm(n) {
		return &CallLost{
			CallID: attrInt(n, "CallID"),
			Cause:  attrInt(n, "Cause"),
			Stamp:  attrInt64(n, "Stamp"),
		}
	}
	f := splitCSV(n.Content)
	return &CallLost{
		CallID: fieldInt(f, csvLostCallID),
		Cause:  fieldInt(f, csvLostCause),
		Stamp:  fieldInt64(f, csvLostStamp),
	}
}

func (p *Parser) parseLinkLost(n node) *LinkLost {
	if isAttributeForm(n) {
		return &LinkLost{
			Stamp:  attrInt64(n, "Stamp"),
			Reason: attrStr(n, "Reason"),
		}
	}
	f := splitCSV(n.Content)
	return &LinkLost{
		Stamp:  fieldInt64(f, csvLinkStamp),
		Reason: fieldStr(f, csvLinkReason),
	}
}

func (p *Parser) parseAttemptReject(n node) *AttemptReject {
	if isAttributeForm(n) {
		return &AttemptReject{
			CallID: attrInt(n, "CallID"),
			Target: attrStr(n, "Target"),
			Cause:  attrInt(n, "Cause"),
			Stamp:  attrInt64(n, "Stamp"),
		}
	}
	f := splitCSV(n.Content)
	return &AttemptReject{
		CallID: fieldInt(f, csvRejectCallID),
		Target: fieldStr(f, csvRejectTarget),
		Cause:  fieldInt(f, csvRejectCause),
		Stamp:  fieldInt64(f, csvRejectStamp),
	}
}

// isAttributeForm discriminates the two wire forms: the attribute form
// carries `name="value"` pairs on the element, the CSV form has bare
// comma-separated element content.
func isAttributeForm(n node) bool {
	return len(n.Attrs) > 0
}

// splitCSV splits one element's CSV content, respecting quoted commas.
func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	r := csv.NewReader(strings.NewReader(s))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return nil
	}
	return fields
}

func attrStr(n node, name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func attrInt(n node, name string) int {
	return atoi(attrStr(n, name))
}

func attrInt64(n node, name string) int64 {
	return atoi64(attrStr(n, name))
}

func fieldStr(fields []string, i int) string {
	if i < len(fields) {
		return strings.TrimSpace(fields[i])
	}
	return ""
}

func fieldInt(fields []string, i int) int {
	return atoi(fieldStr(fields, i))
}

func fieldInt64(fields []string, i int) int64 {
	return atoi64(fieldStr(fields, i))
}

// atoi parses tolerantly: empty or junk values become 0, matching the
// PBX convention that absent numeric fields mean zero.
func atoi(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func atoi64(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
