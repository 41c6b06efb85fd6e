package rules

import (
	"path"
	"strings"

	"github.com/keithlinneman/xssguard/internal/defender"
	"github.com/keithlinneman/xssguard/internal/xerrors"
	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

// Policy is a compiled rule document. It is immutable and safe for
// concurrent use.
type Policy struct {
	def    defender.Defender
	global paramSet
	exact  map[string]*urlPolicy
	globs  []*urlPolicy
}

type urlPolicy struct {
	pattern string
	disable bool
	params  paramSet
}

type paramRule struct {
	name string
	use  bool
	def  defender.Defender
}

type paramSet struct {
	exact    map[string]*paramRule
	prefixes []*paramRule
}

func (s paramSet) lookup(name string) *paramRule {
	if r, ok := s.exact[name]; ok {
		return r
	}
	for _, r := range s.prefixes {
		if strings.HasPrefix(name, r.name) {
			return r
		}
	}
	return nil
}

// DefaultPolicy escapes every value with the preventer and disables no
// path.
func DefaultPolicy() *Policy {
	return &Policy{def: defender.Preventer{}}
}

// Compile validates c and builds its Policy.
func Compile(c *Config) (*Policy, error) {
	if err := c.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "invalid rule document")
	}

	defs := make(map[string]defender.Defender)
	for _, k := range defender.Kinds() {
		d, err := defender.New(k)
		if err != nil {
			return nil, err
		}
		defs[string(k)] = d
	}
	for _, dc := range c.Defenders {
		d, err := defender.New(dc.Kind)
		if err != nil {
			return nil, err
		}
		defs[dc.Name] = d
	}

	p := &Policy{
		def:   defs[string(defender.KindPreventer)],
		exact: make(map[string]*urlPolicy),
	}
	if c.Default != "" {
		p.def = defs[c.Default]
	}

	compileParams := func(rules []ParamRule) paramSet {
		s := paramSet{exact: make(map[string]*paramRule)}
		for _, r := range rules {
			pr := &paramRule{name: r.Name, use: r.useDefender()}
			if r.Defender != "" {
				pr.def = defs[r.Defender]
			}
			if r.Prefix {
				s.prefixes = append(s.prefixes, pr)
			} else if _, dup := s.exact[r.Name]; !dup {
				s.exact[r.Name] = pr
			}
		}
		return s
	}

	p.global = compileParams(c.Global.Params)
	for _, u := range c.URLRules {
		up := &urlPolicy{pattern: u.URL, disable: u.Disable, params: compileParams(u.Params)}
		if isPattern(u.URL) {
			p.globs = append(p.globs, up)
		} else {
			p.exact[u.URL] = up
		}
	}
	return p, nil
}

func isPattern(s string) bool { return strings.ContainsAny(s, `*?[\`) }

// lookupURL returns the rule for p: an exact url first, then the first
// matching pattern in document order.
func (p *Policy) lookupURL(reqPath string) *urlPolicy {
	if u, ok := p.exact[reqPath]; ok {
		return u
	}
	for _, u := range p.globs {
		if ok, _ := path.Match(u.pattern, reqPath); ok {
			return u
		}
	}
	return nil
}

// Disabled reports whether a url rule switches filtering off for path.
func (p *Policy) Disabled(reqPath string) bool {
	u := p.lookupURL(reqPath)
	return u != nil && u.disable
}

// Escape applies the defender selected for fc. Parameter rules of the
// matching url rule take precedence over global ones.
func (p *Policy) Escape(fc xssfilter.FieldContext, value string) string {
	return p.defenderFor(fc).Filter(value)
}

func (p *Policy) defenderFor(fc xssfilter.FieldContext) defender.Defender {
	u := p.lookupURL(fc.Path)
	if u != nil && u.disable {
		return defender.Noop{}
	}
	var r *paramRule
	if u != nil {
		r = u.params.lookup(fc.Name)
	}
	if r == nil {
		r = p.global.lookup(fc.Name)
	}
	switch {
	case r == nil:
		return p.def
	case !r.use:
		return defender.Noop{}
	case r.def != nil:
		return r.def
	default:
		return p.def
	}
}
