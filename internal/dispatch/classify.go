package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// Request lifecycle states as persisted in requests.status.
const (
	StatusReady     = "ready"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// Statuscode tokens persisted in requests.statuscode.
const (
	CodeSuccess       = "SUCCESS"
	CodeEmptyPayload  = "ERROR1" // no outbound payload on the row
	CodeUnreachable   = "ERROR2" // destination returned nothing
	CodeBadXML        = "ERROR3" // response did not parse as XML
	CodeBadJSON       = "ERROR4" // response did not parse as JSON
	CodeNoJSONStatus  = "ERROR5" // JSON response missing string "status"
	CodeNoJSONDescr   = "ERROR6" // JSON response missing string "description"
)

// Outcome is the terminal decision for one processing attempt.
type Outcome struct {
	Status     string
	StatusCode string
	Errors     string
}

// Classify maps a delivered response body to a terminal outcome. It is pure:
// no I/O, deterministic for a given body/ctype/parseResponses triple.
//
// When the destination disables response parsing, any received response counts
// as success. A response in neither XML nor JSON while parsing is enabled is
// also treated as success: delivery itself succeeded and there is nothing to
// interpret (the alternative, leaving the row ready, stalls it forever).
func Classify(body []byte, ctype string, parseResponses bool) Outcome {
	if !parseResponses {
		return Outcome{Status: StatusCompleted, StatusCode: CodeSuccess}
	}
	lower := strings.ToLower(ctype)
	switch {
	case strings.Contains(lower, "xml"):
		return classifyXML(body)
	case strings.Contains(lower, "json"):
		return classifyJSON(body)
	default:
		return Outcome{Status: StatusCompleted, StatusCode: CodeSuccess}
	}
}

// XPath queries against the import summary document. local-name() sidesteps
// the dxf namespace prefix the server may or may not declare.
const (
	xpathStatus   = "//*[local-name()='status']"
	xpathImported = "(//*[local-name()='importCount'])[1]/@imported"
	xpathIgnored  = "(//*[local-name()='importCount'])[1]/@ignored"
	xpathUpdated  = "(//*[local-name()='importCount'])[1]/@updated"
)

func classifyXML(body []byte) Outcome {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil || firstElement(doc) == nil {
		return Outcome{
			Status:     StatusFailed,
			StatusCode: CodeBadXML,
			Errors:     "Response possibly not proper XML",
		}
	}

	status := findText(doc, xpathStatus)
	imported := findText(doc, xpathImported)
	ignored := findText(doc, xpathIgnored)
	updated := findText(doc, xpathUpdated)
	summary := fmt.Sprintf("Imported:%s Ignored:%s Updated:%s", imported, ignored, updated)

	if strings.Contains(strings.ToUpper(status), "ERROR") {
		return Outcome{Status: StatusFailed, StatusCode: status, Errors: summary}
	}
	// the destination's own success token is normalized away
	return Outcome{Status: StatusCompleted, StatusCode: CodeSuccess, Errors: summary}
}

func classifyJSON(body []byte) Outcome {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Outcome{
			Status:     StatusFailed,
			StatusCode: CodeBadJSON,
			Errors:     "Response was not proper JSON",
		}
	}
	status, ok := payload["status"].(string)
	if !ok {
		return Outcome{
			Status:     StatusFailed,
			StatusCode: CodeNoJSONStatus,
			Errors:     "Could not pick status from JSON response",
		}
	}
	description, ok := payload["description"].(string)
	if !ok {
		return Outcome{
			Status:     StatusFailed,
			StatusCode: CodeNoJSONDescr,
			Errors:     "No description field in JSON response",
		}
	}

	if strings.EqualFold(status, "ERROR") {
		return Outcome{Status: StatusFailed, StatusCode: status, Errors: description}
	}
	return Outcome{Status: StatusCompleted, StatusCode: status, Errors: description}
}

func findText(doc *xmlquery.Node, expr string) string {
	n, err := xmlquery.Query(doc, expr)
	if err != nil || n == nil {
		return ""
	}
	return n.InnerText()
}

// firstElement reports whether the parsed document contains any element at
// all; xmlquery accepts bare text without complaint.
func firstElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}
