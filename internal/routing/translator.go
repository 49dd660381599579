package routing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InternalCode maps an internal disconnect code to its CDR reason and to the
// final response sent upstream.
type InternalCode struct {
	Code           int    `yaml:"code"`
	Reason         string `yaml:"reason"`
	ResponseCode   int    `yaml:"response_code"`
	ResponseReason string `yaml:"response_reason"`
}

// ResponseRule rewrites a remote reply and decides whether failover continues.
// OverrideID 0 is the global rule set; other ids come from routing profiles.
type ResponseRule struct {
	OverrideID    int    `yaml:"override_id"`
	Code          int    `yaml:"code"`
	RewriteCode   int    `yaml:"rewrite_code"`
	RewriteReason string `yaml:"rewrite_reason"`
	PassReason    bool   `yaml:"pass_reason"`
	StopHunting   bool   `yaml:"stop_hunting"`
}

// ResourceType names a resource type and the internal code used when it is exhausted.
type ResourceType struct {
	Type         int    `yaml:"type"`
	Name         string `yaml:"name"`
	InternalCode int    `yaml:"internal_code"`
}

// TranslatorFile is the YAML layout of a codes translation file.
type TranslatorFile struct {
	Internal      []InternalCode `yaml:"internal"`
	Responses     []ResponseRule `yaml:"responses"`
	ResourceTypes []ResourceType `yaml:"resource_types"`
}

type ruleKey struct {
	override int
	code     int
}

// Translator holds the codes translation table. It is immutable once built
// and safe for concurrent use.
type Translator struct {
	internal  map[int]InternalCode
	responses map[ruleKey]ResponseRule
	resources map[int]ResourceType
}

var ErrInvalidCodes = errors.New("routing: invalid codes table")

// DefaultTranslator knows the built-in internal codes and has no rewrite rules.
func DefaultTranslator() *Translator {
	t, _ := NewTranslator(TranslatorFile{})
	return t
}

// NewTranslator builds a translator from f on top of the built-in internal codes.
func NewTranslator(f TranslatorFile) (*Translator, error) {
	t := &Translator{
		internal:  map[int]InternalCode{},
		responses: map[ruleKey]ResponseRule{},
		resources: map[int]ResourceType{},
	}
	for _, c := range defaultInternalCodes {
		t.internal[c.Code] = c
	}

	var errs []error
	for _, c := range f.Internal {
		if c.Code <= 0 {
			errs = append(errs, fmt.Errorf("internal code %d: must be positive", c.Code))
			continue
		}
		if !validResponse(c.ResponseCode) {
			errs = append(errs, fmt.Errorf("internal code %d: invalid response code %d", c.Code, c.ResponseCode))
			continue
		}
		t.internal[c.Code] = c
	}
	for _, r := range f.Responses {
		if !validResponse(r.Code) {
			errs = append(errs, fmt.Errorf("response rule %d/%d: invalid code", r.OverrideID, r.Code))
			continue
		}
		if r.RewriteCode != 0 && !validResponse(r.RewriteCode) {
			errs = append(errs, fmt.Errorf("response rule %d/%d: invalid rewrite code %d", r.OverrideID, r.Code, r.RewriteCode))
			continue
		}
		k := ruleKey{override: r.OverrideID, code: r.Code}
		if _, dup := t.responses[k]; dup {
			errs = append(errs, fmt.Errorf("response rule %d/%d: duplicate", r.OverrideID, r.Code))
			continue
		}
		t.responses[k] = r
	}
	for _, rt := range f.ResourceTypes {
		if rt.InternalCode != 0 {
			if _, ok := t.internal[rt.InternalCode]; !ok {
				errs = append(errs, fmt.Errorf("resource type %d: unknown internal code %d", rt.Type, rt.InternalCode))
				continue
			}
		}
		t.resources[rt.Type] = rt
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCodes, errors.Join(errs...))
	}
	return t, nil
}

// ParseTranslator builds a translator from YAML.
func ParseTranslator(data []byte) (*Translator, error) {
	var f TranslatorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCodes, err)
	}
	return NewTranslator(f)
}

// LoadTranslator reads a YAML codes file. An empty path yields the defaults.
func LoadTranslator(path string) (*Translator, error) {
	if path == "" {
		return DefaultTranslator(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: read codes file: %w", err)
	}
	return ParseTranslator(data)
}

func validResponse(code int) bool { return code >= 200 && code <= 699 }

// Disconnect translates an internal code. Unknown codes that are themselves
// final failure responses pass through; anything else becomes a 500.
func (t *Translator) Disconnect(code int) InternalCode {
	if c, ok := t.internal[code]; ok {
		return c
	}
	if code >= 300 && code <= 699 {
		return InternalCode{Code: code, Reason: fmt.Sprintf("refused with %d", code), ResponseCode: code, ResponseReason: "Refused"}
	}
	return InternalCode{Code: code, Reason: fmt.Sprintf("unknown disconnect code %d", code), ResponseCode: 500, ResponseReason: "Internal Server Error"}
}

// ResourceRefusal is the internal code for an exhausted resource of type typ.
func (t *Translator) ResourceRefusal(typ int) InternalCode {
	if rt, ok := t.resources[typ]; ok && rt.InternalCode != 0 {
		return t.Disconnect(rt.InternalCode)
	}
	return t.Disconnect(DCResourceBusy)
}

// ResourceTypeName returns the configured name of a resource type.
func (t *Translator) ResourceTypeName(typ int) string {
	if rt, ok := t.resources[typ]; ok && rt.Name != "" {
		return rt.Name
	}
	return fmt.Sprintf("type %d", typ)
}

func (t *Translator) rule(code, overrideID int) (ResponseRule, bool) {
	if r, ok := t.responses[ruleKey{override: overrideID, code: code}]; ok {
		return r, true
	}
	if overrideID != 0 {
		if r, ok := t.responses[ruleKey{code: code}]; ok {
			return r, true
		}
	}
	return ResponseRule{}, false
}

// RewriteResponse applies the rule for code under overrideID, falling back
// to the global rules. Codes without a rule pass unchanged.
func (t *Translator) RewriteResponse(code int, reason string, overrideID int) (int, string) {
	r, ok := t.rule(code, overrideID)
	if !ok {
		return code, reason
	}
	outCode := code
	if r.RewriteCode != 0 {
		outCode = r.RewriteCode
	}
	if r.PassReason || r.RewriteReason == "" {
		return outCode, reason
	}
	return outCode, r.RewriteReason
}

// StopHunting reports whether a remote reply with code ends failover.
// Without a rule, 6xx replies stop and everything else continues.
func (t *Translator) StopHunting(code, overrideID int) bool {
	if r, ok := t.rule(code, overrideID); ok {
		return r.StopHunting
	}
	return code >= 600
}
