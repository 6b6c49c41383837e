package tap

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dunglas/httpsfv"
)

var errMalformed = errors.New("malformed signature header")

// Params is one parsed Signature-Input member.
type Params struct {
	Label      string
	Components []string
	Created    int64
	Expires    int64
	KeyID      string
	Alg        string
	Nonce      string
	Tag        string
	// raw is the serialized member value used in @signature-params.
	raw string
}

// ParseSignatureInput parses the first member of a Signature-Input header:
//
//	sig1=("@authority" "@path");created=1735689600;keyid="k";alg="ed25519";nonce="n"
func ParseSignatureInput(header string) (*Params, error) {
	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	names := dict.Names()
	if len(names) == 0 {
		return nil, errMalformed
	}
	member, _ := dict.Get(names[0])
	list, ok := member.(httpsfv.InnerList)
	if !ok {
		return nil, errMalformed
	}

	p := &Params{Label: names[0]}
	for _, item := range list.Items {
		name, ok := item.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: component identifiers must be strings", errMalformed)
		}
		if item.Params != nil && len(item.Params.Names()) > 0 {
			return nil, fmt.Errorf("%w: unsupported component parameters on %s", errMalformed, name)
		}
		p.Components = append(p.Components, strings.ToLower(name))
	}

	if list.Params != nil {
		for _, k := range list.Params.Names() {
			v, _ := list.Params.Get(k)
			switch k {
			case "created", "expires":
				n, ok := v.(int64)
				if !ok {
					return nil, fmt.Errorf("%w: %s", errMalformed, k)
				}
				if k == "created" {
					p.Created = n
				} else {
					p.Expires = n
				}
			case "keyid", "alg", "nonce", "tag":
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("%w: %s", errMalformed, k)
				}
				switch k {
				case "keyid":
					p.KeyID = s
				case "alg":
					p.Alg = strings.ToLower(s)
				case "nonce":
					p.Nonce = s
				case "tag":
					p.Tag = s
				}
			}
		}
	}

	if p.Created == 0 || p.KeyID == "" || p.Nonce == "" || len(p.Components) == 0 {
		return nil, errMalformed
	}
	if p.raw, err = httpsfv.Marshal(&list); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return p, nil
}

// ParseSignature extracts the signature bytes for label from a Signature
// header of the form label=:base64:.
func ParseSignature(header, label string) ([]byte, error) {
	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	member, ok := dict.Get(label)
	if !ok {
		return nil, errMalformed
	}
	item, ok := member.(httpsfv.Item)
	if !ok {
		return nil, errMalformed
	}
	sig, ok := item.Value.([]byte)
	if !ok || len(sig) == 0 {
		return nil, errMalformed
	}
	return sig, nil
}

// Request carries the request fields covered by a signature.
type Request struct {
	Method         string
	Authority      string
	Path           string
	Header         http.Header
	SignatureInput string
	Signature      string
}

// RequestFromHTTP extracts a Request from an incoming http.Request.
func RequestFromHTTP(r *http.Request) Request {
	return Request{
		Method:         r.Method,
		Authority:      r.Host,
		Path:           r.URL.Path,
		Header:         r.Header,
		SignatureInput: r.Header.Get("Signature-Input"),
		Signature:      r.Header.Get("Signature"),
	}
}

// SignatureBase builds the RFC 9421 signature base for p over req.
func SignatureBase(req Request, p *Params) (string, error) {
	var b strings.Builder
	for _, c := range p.Components {
		var value string
		switch c {
		case "@method":
			value = strings.ToUpper(req.Method)
		case "@authority":
			value = strings.ToLower(req.Authority)
		case "@path":
			value = req.Path
		default:
			if strings.HasPrefix(c, "@") {
				return "", fmt.Errorf("%w: unsupported component %s", errMalformed, c)
			}
			vals := req.Header.Values(c)
			if len(vals) == 0 {
				return "", fmt.Errorf("%w: missing header %s", errMalformed, c)
			}
			value = strings.Join(vals, ", ")
		}
		id, err := httpsfv.Marshal(httpsfv.NewItem(c))
		if err != nil {
			return "", fmt.Errorf("%w: component %s", errMalformed, c)
		}
		fmt.Fprintf(&b, "%s: %s\n", id, value)
	}
	fmt.Fprintf(&b, "\"@signature-params\": %s", p.raw)
	return b.String(), nil
}
