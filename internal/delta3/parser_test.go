package delta3

import (
	"io"
	"log/slog"
	"testing"

	"github.com/callsight/callsight/internal/database/models"
)

func testParser() *Parser {
	return NewParser(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const detailAttrForm = `<Detail>` +
	`<Call CallID="12345" Flags="0" State="2" Stamp="1707573600" ConnStamp="1707573610" Cause="0" CalledType="0" CallingNum="0712345678" CallingName="Alice" CalledNum="201" CalledName="Support" DialledNum="201" AccountCode="ACCT001" OwningHG="Sales" Tag=""/>` +
	`<PartyA ID="1" EqType="10" Dir="I" Num="201" Name="Bob" Chan="3"/>` +
	`<PartyB ID="2" EqType="5" Dir="O" Num="0712345678" Name="" Chan="1"/>` +
	`</Detail>`

const detailCSVForm = `<Detail>` +
	`<Call>12345,0,2,1707573600,1707573610,0,0,0712345678,Alice,201,Support,201,ACCT001,Sales,</Call>` +
	`<PartyA>1,10,I,201,Bob,3</PartyA>` +
	`<PartyB>2,5,O,0712345678,,1</PartyB>` +
	`</Detail>`

func TestParseDetailBothForms(t *testing.T) {
	p := testParser()

	for _, tc := range []struct {
		name  string
		input string
	}{
		{"attribute", detailAttrForm},
		{"csv", detailCSVForm},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := p.Parse(tc.input)
			d, ok := rec.(*Detail)
			if !ok {
				t.Fatalf("Parse returned %T, want *Detail", rec)
			}

			if d.Call.CallID != 12345 {
				t.Errorf("CallID = %d, want 12345", d.Call.CallID)
			}
			if d.Call.State != StateConnected {
				t.Errorf("State = %d, want %d", d.Call.State, StateConnected)
			}
			if d.Call.Stamp != 1707573600 || d.Call.ConnStamp != 1707573610 {
				t.Errorf("stamps = %d/%d", d.Call.Stamp, d.Call.ConnStamp)
			}
			if d.Call.CallingNum != "0712345678" || d.Call.CalledNum != "201" {
				t.Errorf("numbers = %q/%q", d.Call.CallingNum, d.Call.CalledNum)
			}
			if d.Call.AccountCode != "ACCT001" {
				t.Errorf("AccountCode = %q", d.Call.AccountCode)
			}
			if d.Call.OwningHuntGroup != "Sales" {
				t.Errorf("OwningHuntGroup = %q", d.Call.OwningHuntGroup)
			}
			if d.PartyA.EqType != EqSIPDevice || d.PartyA.Direction != "I" || d.PartyA.Number != "201" {
				t.Errorf("PartyA = %+v", d.PartyA)
			}
			if d.PartyB.EqType != EqSIPTrunk || d.PartyB.Channel != 1 {
				t.Errorf("PartyB = %+v", d.PartyB)
			}
		})
	}
}

func TestParseDetailFormsEquivalent(t *testing.T) {
	p := testParser()
	a := p.Parse(detailAttrForm).(*Detail)
	c := p.Parse(detailCSVForm).(*Detail)
	if a.Call != c.Call || a.PartyA != c.PartyA || a.PartyB != c.PartyB {
		t.Errorf("forms decode differently:\nattr: %+v\ncsv:  %+v", a, c)
	}
}

func TestParseDetailTargets(t *testing.T) {
	p := testParser()
	rec := p.Parse(`<Detail>` +
		`<Call CallID="7" State="1" Stamp="100"/>` +
		`<PartyA ID="1" EqType="5" Dir="I" Num="0200"/>` +
		`<Target_list>` +
		`<Target Type="1" Num="201" Name="Bob" Stamp="101"/>` +
		`<Target Type="1" Num="202" Name="Carol" Stamp="102"/>` +
		`</Target_list>` +
		`</Detail>`)
	d, ok := rec.(*Detail)
	if !ok {
		t.Fatalf("Parse returned %T", rec)
	}
	if len(d.Targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(d.Targets))
	}
	// Wire order must survive.
	if d.Targets[0].Number != "201" || d.Targets[1].Number != "202" {
		t.Errorf("targets out of order: %+v", d.Targets)
	}
	if d.Targets[1].Stamp != 102 {
		t.Errorf("Target[1].Stamp = %d", d.Targets[1].Stamp)
	}
}

func TestParseCallLost(t *testing.T) {
	p := testParser()

	if rec := p.Parse(`<CallLost CallID="12345" Cause="16" Stamp="1707573700"/>`); rec != nil {
		l, ok := rec.(*CallLost)
		if !ok {
			t.Fatalf("Parse returned %T", rec)
		}
		if l.CallID != 12345 || l.Cause != CauseNormalClearing || l.Stamp != 1707573700 {
			t.Errorf("CallLost = %+v", l)
		}
	} else {
		t.Fatal("attribute form returned nil")
	}

	rec := p.Parse(`<CallLost>12345,16,1707573700</CallLost>`)
	l, ok := rec.(*CallLost)
	if !ok {
		t.Fatalf("csv form returned %T", rec)
	}
	if l.CallID != 12345 || l.Cause != 16 || l.Stamp != 1707573700 {
		t.Errorf("CallLost = %+v", l)
	}
}

func TestParseLinkLostAndAttemptReject(t *testing.T) {
	p := testParser()

	ll, ok := p.Parse(`<LinkLost Stamp="1707573000" Reason="restart"/>`).(*LinkLost)
	if !ok || ll.Stamp != 1707573000 || ll.Reason != "restart" {
		t.Errorf("LinkLost = %+v", ll)
	}

	ar, ok := p.Parse(`<AttemptReject>99,203,21,1707573500</AttemptReject>`).(*AttemptReject)
	if !ok || ar.CallID != 99 || ar.Target != "203" || ar.Cause != CauseRejected {
		t.Errorf("AttemptReject = %+v", ar)
	}
}

func TestParseQuotedCSVFields(t *testing.T) {
	p := testParser()
	rec := p.Parse(`<Detail><Call>5,0,2,100,110,0,0,0712345678,"Smith, Alice",201,Support,,,,</Call></Detail>`)
	d, ok := rec.(*Detail)
	if !ok {
		t.Fatalf("Parse returned %T", rec)
	}
	if d.Call.CallingName != "Smith, Alice" {
		t.Errorf("CallingName = %q, quoted comma not honoured", d.Call.CallingName)
	}
	if d.Call.CalledNum != "201" {
		t.Errorf("CalledNum = %q, fields shifted", d.Call.CalledNum)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	p := testParser()
	for _, input := range []string{
		"",
		"not xml at all",
		"<Detail><Call>1,2</Call>", // unclosed
		"<Mystery CallID=\"1\"/>",
	} {
		if rec := p.Parse(input); rec != nil {
			t.Errorf("Parse(%q) = %+v, want nil", input, rec)
		}
	}
}

func TestCallStateFromCode(t *testing.T) {
	cases := map[int]models.CallState{
		StateIdle:        models.CallStateIdle,
		StateRinging:     models.CallStateRinging,
		StateConnected:   models.CallStateConnected,
		StateCompleted:   models.CallStateCompleted,
		StateHeld:        models.CallStateHold,
		StateHeldRemote:  models.CallStateHold,
		StateHeldPending: models.CallStateHold,
		StateConferenced: models.CallStateConnected,
		StateDialling:    models.CallStateRinging,
		StateQueued:      models.CallStateQueued,
		StateParked:      models.CallStateParked,
		99:               models.CallStateIdle,
	}
	for code, want := range cases {
		if got := CallStateFromCode(code); got != want {
			t.Errorf("CallStateFromCode(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestEquipmentClassification(t *testing.T) {
	for _, eq := range []int{EqISDN, EqAnalogue, EqQSIG, EqSIPTrunk, EqSMTrunk, EqIPTrunk} {
		if !IsTrunk(eq) {
			t.Errorf("IsTrunk(%d) = false", eq)
		}
		if IsExtension(eq) {
			t.Errorf("IsExtension(%d) = true for trunk type", eq)
		}
	}
	for _, eq := range []int{EqTDMPhone, EqH323Phone, EqSIPDevice, EqWebRTC} {
		if !IsExtension(eq) {
			t.Errorf("IsExtension(%d) = false", eq)
		}
		if IsTrunk(eq) {
			t.Errorf("IsTrunk(%d) = true for device type", eq)
		}
	}
	// Voicemail, conference and hunt group ports are neither.
	for _, eq := range []int{EqVoicemail, EqConference, EqHuntGroup} {
		if IsTrunk(eq) || IsExtension(eq) {
			t.Errorf("eq %d misclassified", eq)
		}
	}
}
