// Package xmlrpc implements the subset of XML-RPC the remote surface needs:
// string, int, boolean, double, and base64 scalars plus arrays and structs,
// served over HTTP. No library in the ecosystem covers both the server and
// client side of this wire format, so the codec is local.
package xmlrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Fault is an XML-RPC fault returned by the remote side.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.Message)
}

// --- wire structures ---

type xValue struct {
	String  *string  `xml:"string"`
	Int     *string  `xml:"int"`
	I4      *string  `xml:"i4"`
	Boolean *string  `xml:"boolean"`
	Double  *string  `xml:"double"`
	Base64  *string  `xml:"base64"`
	Array   *xArray  `xml:"array"`
	Struct  *xStruct `xml:"struct"`
	Raw     string   `xml:",chardata"`
}

type xArray struct {
	Values []xValue `xml:"data>value"`
}

type xStruct struct {
	Members []xMember `xml:"member"`
}

type xMember struct {
	Name  string `xml:"name"`
	Value xValue `xml:"value"`
}

type xCall struct {
	XMLName xml.Name `xml:"methodCall"`
	Method  string   `xml:"methodName"`
	Params  []xParam `xml:"params>param"`
}

type xParam struct {
	Value xValue `xml:"value"`
}

type xResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []xParam `xml:"params>param"`
	Fault   *xFault  `xml:"fault"`
}

type xFault struct {
	Value xValue `xml:"value"`
}

// --- decoding ---

func decodeValue(v xValue) (any, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.Int), 10, 64)
	case v.I4 != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.I4), 10, 64)
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		return strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
	case v.Base64 != nil:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(*v.Base64))
	case v.Array != nil:
		out := make([]any, len(v.Array.Values))
		for i, el := range v.Array.Values {
			x, err := decodeValue(el)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			x, err := decodeValue(m.Value)
			if err != nil {
				return nil, err
			}
			out[m.Name] = x
		}
		return out, nil
	default:
		// A bare <value>text</value> is a string.
		return v.Raw, nil
	}
}

func decodeParams(ps []xParam) ([]any, error) {
	out := make([]any, len(ps))
	for i, p := range ps {
		v, err := decodeValue(p.Value)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ParseCall decodes a methodCall document.
func ParseCall(body []byte) (method string, args []any, err error) {
	var call xCall
	if err := xml.Unmarshal(body, &call); err != nil {
		return "", nil, fmt.Errorf("xmlrpc: malformed call: %w", err)
	}
	args, err = decodeParams(call.Params)
	return call.Method, args, err
}

// ParseResponse decodes a methodResponse document, returning either the
// single result value or a *Fault error.
func ParseResponse(body []byte) (any, error) {
	var resp xResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("xmlrpc: malformed response: %w", err)
	}
	if resp.Fault != nil {
		fv, err := decodeValue(resp.Fault.Value)
		if err != nil {
			return nil, fmt.Errorf("xmlrpc: malformed fault: %w", err)
		}
		f := &Fault{Code: -1, Message: "unknown fault"}
		if m, ok := fv.(map[string]any); ok {
			if c, ok := m["faultCode"].(int64); ok {
				f.Code = int(c)
			}
			if s, ok := m["faultString"].(string); ok {
				f.Message = s
			}
		}
		return nil, f
	}
	if len(resp.Params) == 0 {
		return nil, nil
	}
	return decodeValue(resp.Params[0].Value)
}

// --- encoding ---

func encodeValue(b *bytes.Buffer, v any) error {
	b.WriteString("<value>")
	switch x := v.(type) {
	case nil:
		b.WriteString("<boolean>0</boolean>")
	case string:
		b.WriteString("<string>")
		xml.EscapeText(b, []byte(x))
		b.WriteString("</string>")
	case int:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case int64:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case bool:
		if x {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}
	case float64:
		fmt.Fprintf(b, "<double>%g</double>", x)
	case []byte:
		b.WriteString("<base64>")
		b.WriteString(base64.StdEncoding.EncodeToString(x))
		b.WriteString("</base64>")
	case []any:
		b.WriteString("<array><data>")
		for _, el := range x {
			if err := encodeValue(b, el); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")
	case []string:
		b.WriteString("<array><data>")
		for _, el := range x {
			if err := encodeValue(b, el); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")
	case map[string]any:
		b.WriteString("<struct>")
		for name, el := range x {
			b.WriteString("<member><name>")
			xml.EscapeText(b, []byte(name))
			b.WriteString("</name>")
			if err := encodeValue(b, el); err != nil {
				return err
			}
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")
	default:
		return fmt.Errorf("xmlrpc: cannot encode %T", v)
	}
	b.WriteString("</value>")
	return nil
}

// EncodeCall renders a methodCall document.
func EncodeCall(method string, args ...any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodCall><methodName>")
	xml.EscapeText(&b, []byte(method))
	b.WriteString("</methodName><params>")
	for _, a := range args {
		b.WriteString("<param>")
		if err := encodeValue(&b, a); err != nil {
			return nil, err
		}
		b.WriteString("</param>")
	}
	b.WriteString("</params></methodCall>")
	return b.Bytes(), nil
}

// EncodeResponse renders a successful methodResponse document.
func EncodeResponse(result any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse><params><param>")
	if err := encodeValue(&b, result); err != nil {
		return nil, err
	}
	b.WriteString("</param></params></methodResponse>")
	return b.Bytes(), nil
}

// EncodeFault renders a fault methodResponse document.
func EncodeFault(code int, msg string) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse><fault>")
	encodeValue(&b, map[string]any{"faultCode": code, "faultString": msg})
	b.WriteString("</fault></methodResponse>")
	return b.Bytes()
}
