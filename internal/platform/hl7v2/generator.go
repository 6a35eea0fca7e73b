package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Version         = "2.5.1"
	timestampLayout = "20060102150405"
)

// Order control codes (ORC-1).
const (
	ControlNew    = "NW"
	ControlCancel = "CA"
)

// Result status codes (OBR-25, OBX-11).
const (
	ResultPreliminary = "P"
	ResultFinal       = "F"
	ResultCancelled   = "X"
)

// Priorities (OBR-27.6 / TQ1-9).
const (
	PriorityStat    = "S"
	PriorityASAP    = "A"
	PriorityRoutine = "R"
)

// Header names the systems on either end of the interface.
type Header struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
}

// Observation becomes one OBX segment. ValueType defaults to NM for
// numeric values and ST otherwise.
type Observation struct {
	ValueType      string
	Code           string
	Name           string
	Value          string
	Unit           string
	ReferenceRange string
	AbnormalFlag   string
}

// Order is the transport-neutral view of a diagnostic order and its result.
type Order struct {
	PlacerID         string // ORC-2, OBR-2
	FillerID         string // ORC-3, OBR-3 (specimen barcode)
	PatientID        string // PID-3
	OrderingProvider string // ORC-12, OBR-16
	Priority         string
	ServiceCode      string
	ServiceName      string
	CodingSystem     string
	OrderedAt        time.Time
	CollectedAt      time.Time
	ResultStatus     string
	ResultAt         time.Time
	Observations     []Observation
	Notes            []string // NTE after OBR
}

// ORM encodes an order message with the given order control code.
func (h Header) ORM(o Order, control, controlID string, at time.Time) []byte {
	segments := []string{
		h.msh("ORM", "O01", controlID, at),
		pid(o),
		orc(o, control),
		obr(o),
	}
	segments = append(segments, notes(o.Notes)...)
	return []byte(strings.Join(segments, "\r"))
}

// ORU encodes an unsolicited result message.
func (h Header) ORU(o Order, controlID string, at time.Time) []byte {
	segments := []string{
		h.msh("ORU", "R01", controlID, at),
		pid(o),
		orc(o, "RE"),
		obr(o),
	}
	segments = append(segments, notes(o.Notes)...)
	for i, obs := range o.Observations {
		segments = append(segments, obx(i+1, obs, o.ResultStatus))
	}
	return []byte(strings.Join(segments, "\r"))
}

func (h Header) msh(msgType, trigger, controlID string, at time.Time) string {
	return fmt.Sprintf(`MSH|^~\&|%s|%s|%s|%s|%s||%s^%s^%s_%s|%s|P|%s`,
		escape(h.SendingApp), escape(h.SendingFac), escape(h.ReceivingApp), escape(h.ReceivingFac),
		ts(at), msgType, trigger, msgType, trigger, escape(controlID), Version)
}

func pid(o Order) string {
	return fmt.Sprintf("PID|1||%s", escape(o.PatientID))
}

func orc(o Order, control string) string {
	return fmt.Sprintf("ORC|%s|%s|%s||||||%s|||%s",
		control, escape(o.PlacerID), escape(o.FillerID), ts(o.OrderedAt), escape(o.OrderingProvider))
}

func obr(o Order) string {
	service := ""
	if o.ServiceCode != "" || o.ServiceName != "" {
		service = escape(o.ServiceCode) + "^" + escape(o.ServiceName) + "^" + escape(o.CodingSystem)
	}
	fields := []string{
		"OBR", "1",
		escape(o.PlacerID),         // 2
		escape(o.FillerID),         // 3
		service,                    // 4
		"", "",                     // 5-6
		ts(o.CollectedAt),          // 7
		"", "", "", "", "", "", "", // 8-14
		"",                         // 15
		escape(o.OrderingProvider), // 16
		"", "", "", "", "",         // 17-21
		ts(o.ResultAt),             // 22
		"", "",                     // 23-24
		o.ResultStatus,             // 25
		"",                         // 26
		"^^^^^" + o.Priority,       // 27
	}
	return strings.TrimRight(strings.Join(fields, "|"), "|")
}

func obx(setID int, obs Observation, status string) string {
	valueType := obs.ValueType
	if valueType == "" {
		valueType = "ST"
		if _, err := strconv.ParseFloat(obs.Value, 64); err == nil {
			valueType = "NM"
		}
	}
	id := escape(obs.Code)
	if obs.Name != "" {
		id += "^" + escape(obs.Name)
	}
	return fmt.Sprintf("OBX|%d|%s|%s||%s|%s|%s|%s|||%s",
		setID, valueType, id, escape(obs.Value), escape(obs.Unit), escape(obs.ReferenceRange),
		escape(obs.AbnormalFlag), status)
}

func notes(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i, l := range lines {
		out = append(out, fmt.Sprintf("NTE|%d||%s", i+1, escape(l)))
	}
	return out
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

// escape applies the HL7 escape sequences for the default delimiters and
// folds line breaks, which would otherwise end the segment.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\E\`)
	s = strings.ReplaceAll(s, "|", `\F\`)
	s = strings.ReplaceAll(s, "^", `\S\`)
	s = strings.ReplaceAll(s, "~", `\R\`)
	s = strings.ReplaceAll(s, "&", `\T\`)
	s = strings.ReplaceAll(s, "\r\n", `\.br\`)
	s = strings.ReplaceAll(s, "\n", `\.br\`)
	s = strings.ReplaceAll(s, "\r", `\.br\`)
	return s
}

// Unescape reverses escape.
func Unescape(s string) string {
	r := strings.NewReplacer(`\F\`, "|", `\S\`, "^", `\R\`, "~", `\T\`, "&", `\.br\`, "\n", `\E\`, `\`)
	return r.Replace(s)
}
