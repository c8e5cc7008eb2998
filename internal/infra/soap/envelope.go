package soap

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"strings"
	"text/template"
)

const (
	NamespaceSOAP       = "http://www.w3.org/2003/05/soap-envelope"
	NamespaceAddressing = "http://www.w3.org/2005/08/addressing"

	ActionPatientAdd      = "urn:hl7-org:v3:PRPA_IN201301UV02"
	ActionProvideDocument = "urn:ihe:iti:2007:ProvideAndRegisterDocumentSet-b"

	registryStatusSuccess = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Success"
)

var envelopeTemplate = template.Must(template.New("envelope").Funcs(template.FuncMap{"xml": escape}).Parse(
	`<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://www.w3.org/2005/08/addressing" xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
  <soap:Header>
    <wsa:Action soap:mustUnderstand="true">{{xml .Action}}</wsa:Action>
    <wsa:MessageID>{{xml .MessageID}}</wsa:MessageID>
    <wsa:To>{{xml .To}}</wsa:To>
    <wsa:ReplyTo><wsa:Address>http://www.w3.org/2005/08/addressing/anonymous</wsa:Address></wsa:ReplyTo>
    {{- if .Assertion}}
    <wsse:Security soap:mustUnderstand="true">
      <wsse:BinarySecurityToken ValueType="urn:ietf:params:oauth:token-type:jwt" EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">{{xml .Assertion}}</wsse:BinarySecurityToken>
    </wsse:Security>
    {{- end}}
  </soap:Header>
  <soap:Body>
{{.Body}}
  </soap:Body>
</soap:Envelope>
`))

var provideTemplate = template.Must(template.New("provide").Funcs(template.FuncMap{"xml": escape}).Parse(
	`<xdsb:ProvideAndRegisterDocumentSetRequest xmlns:xdsb="urn:ihe:iti:xds-b:2007" xmlns:lcm="urn:oasis:names:tc:ebxml-regrep:xsd:lcm:3.0" xmlns:rim="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">
  <lcm:SubmitObjectsRequest>
    <rim:RegistryObjectList>
      <rim:ExtrinsicObject id="{{xml .DocumentID}}" mimeType="{{xml .MimeType}}" objectType="urn:uuid:7edca82f-054d-47f2-a032-9b2a5b5186c1">
        <rim:Slot name="sourcePatientId"><rim:ValueList><rim:Value>{{xml .PatientCX}}</rim:Value></rim:ValueList></rim:Slot>
        <rim:ExternalIdentifier id="{{xml .DocumentID}}-pid" identificationScheme="urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427" registryObject="{{xml .DocumentID}}" value="{{xml .PatientCX}}"/>
        <rim:ExternalIdentifier id="{{xml .DocumentID}}-uid" identificationScheme="urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab" registryObject="{{xml .DocumentID}}" value="{{xml .DocumentID}}"/>
      </rim:ExtrinsicObject>
    </rim:RegistryObjectList>
  </lcm:SubmitObjectsRequest>
  <xdsb:Document id="{{xml .DocumentID}}">{{.Content}}</xdsb:Document>
</xdsb:ProvideAndRegisterDocumentSetRequest>`))

type envelopeData struct {
	Action    string
	MessageID string
	To        string
	Assertion string
	Body      string
}

type provideData struct {
	DocumentID string
	MimeType   string
	PatientCX  string
	Content    string
}

func renderEnvelope(data envelopeData) ([]byte, error) {
	var buf bytes.Buffer
	if err := envelopeTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderProvide(data provideData, content []byte) (string, error) {
	data.Content = base64.StdEncoding.EncodeToString(content)
	var buf bytes.Buffer
	if err := provideTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// stripDeclaration drops a leading <?xml ...?> so a document can be embedded.
func stripDeclaration(doc []byte) string {
	s := strings.TrimSpace(string(doc))
	if strings.HasPrefix(s, "<?xml") {
		if i := strings.Index(s, "?>"); i >= 0 {
			s = strings.TrimSpace(s[i+2:])
		}
	}
	return s
}

// Envelope is a SOAP 1.2 response envelope.
type Envelope struct {
	XMLName xml.Name `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  Header   `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
	Body    Body     `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

// Header carries the WS-Addressing headers.
type Header struct {
	Action    string `xml:"http://www.w3.org/2005/08/addressing Action"`
	MessageID string `xml:"http://www.w3.org/2005/08/addressing MessageID"`
	To        string `xml:"http://www.w3.org/2005/08/addressing To"`
	RelatesTo string `xml:"http://www.w3.org/2005/08/addressing RelatesTo"`
}

// Body holds whichever response payload the endpoint returned.
type Body struct {
	Fault            *Fault            `xml:"Fault"`
	Acknowledgement  *Acknowledgement  `xml:"MCCI_IN000002UV01>acknowledgement"`
	EchoedPatientIDs []InstanceID      `xml:"MCCI_IN000002UV01>controlActProcess>subject>registrationEvent>subject1>patient>id"`
	RegistryResponse *RegistryResponse `xml:"RegistryResponse"`
}

// Fault is a SOAP 1.2 fault.
type Fault struct {
	Code   string `xml:"Code>Value"`
	Reason string `xml:"Reason>Text"`
	Detail string `xml:"Detail"`
}

// Sender reports whether the fault blames the request.
func (f *Fault) Sender() bool {
	return strings.HasSuffix(f.Code, "Sender")
}

// Acknowledgement is the HL7v3 MCCI acknowledgement.
type Acknowledgement struct {
	TypeCode struct {
		Code string `xml:"code,attr"`
	} `xml:"typeCode"`
	Details []struct {
		TypeCode string `xml:"typeCode,attr"`
		Code     struct {
			Code string `xml:"code,attr"`
		} `xml:"code"`
		Text string `xml:"text"`
	} `xml:"acknowledgementDetail"`
}

// Accepted reports AA or CA.
func (a *Acknowledgement) Accepted() bool {
	return a.TypeCode.Code == "AA" || a.TypeCode.Code == "CA"
}

// Messages returns the detail texts.
func (a *Acknowledgement) Messages() []string {
	var out []string
	for _, d := range a.Details {
		msg := strings.TrimSpace(d.Text)
		if d.Code.Code != "" {
			msg = strings.TrimSpace(d.Code.Code + " " + msg)
		}
		if msg != "" {
			out = append(out, msg)
		}
	}
	return out
}

// InstanceID is an HL7v3 II.
type InstanceID struct {
	Root      string `xml:"root,attr"`
	Extension string `xml:"extension,attr"`
}

// RegistryResponse is the ebRS response of a document submission.
type RegistryResponse struct {
	Status string          `xml:"status,attr"`
	Errors []RegistryError `xml:"RegistryErrorList>RegistryError"`
}

// RegistryError is one entry of the registry error list.
type RegistryError struct {
	ErrorCode   string `xml:"errorCode,attr"`
	CodeContext string `xml:"codeContext,attr"`
	Severity    string `xml:"severity,attr"`
}

// Success reports a Success status.
func (r *RegistryResponse) Success() bool {
	return r.Status == registryStatusSuccess
}

// Messages returns "code: context" per error.
func (r *RegistryResponse) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, strings.TrimSpace(e.ErrorCode+": "+e.CodeContext))
	}
	return out
}
