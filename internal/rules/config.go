package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/xssguard/internal/defender"
	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// MaxDocumentBytes bounds the size of a rule document.
const MaxDocumentBytes = 1 << 20

// Config is the parsed rule document.
type Config struct {
	Version   string           `yaml:"version"`
	Default   string           `yaml:"default"`
	Defenders []DefenderConfig `yaml:"defenders"`
	Global    GlobalConfig     `yaml:"global"`
	URLRules  []URLRule        `yaml:"url_rules"`
}

// DefenderConfig declares a named defender of a built-in kind.
type DefenderConfig struct {
	Name string        `yaml:"name"`
	Kind defender.Kind `yaml:"kind"`
}

// GlobalConfig holds parameter rules applied on every path.
type GlobalConfig struct {
	Params []ParamRule `yaml:"params"`
}

// ParamRule selects the defender for a parameter. Name matches exactly,
// or as a prefix when Prefix is set. UseDefender false passes the value
// through unchanged; Defender names a declared or built-in defender and
// defaults to the document default.
type ParamRule struct {
	Name        string `yaml:"name"`
	Prefix      bool   `yaml:"prefix"`
	UseDefender *bool  `yaml:"use_defender"`
	Defender    string `yaml:"defender"`
}

func (p ParamRule) useDefender() bool { return p.UseDefender == nil || *p.UseDefender }

// URLRule applies to requests whose path equals URL, or matches it as a
// path.Match pattern. Disable switches filtering off for the path.
type URLRule struct {
	URL     string      `yaml:"url"`
	Disable bool        `yaml:"disable"`
	Params  []ParamRule `yaml:"params"`
}

// Parse decodes a rule document. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	if len(data) > MaxDocumentBytes {
		return nil, xerrors.Newf("rule document is %d bytes, limit is %d", len(data), MaxDocumentBytes)
	}
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(err, "parse rule document")
	}
	return &c, nil
}

// Validate reports every problem in the document at once.
func (c *Config) Validate() error {
	var errs []error

	names := make(map[string]bool)
	for _, k := range defender.Kinds() {
		names[string(k)] = true
	}
	declared := make(map[string]bool)
	for i, d := range c.Defenders {
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, fmt.Errorf("defenders[%d]: name is required", i))
			continue
		}
		if declared[d.Name] {
			errs = append(errs, fmt.Errorf("defenders[%d]: duplicate defender %q", i, d.Name))
		}
		declared[d.Name] = true
		if _, err := defender.New(d.Kind); err != nil {
			errs = append(errs, fmt.Errorf("defenders[%d] %q: %w", i, d.Name, err))
		}
		names[d.Name] = true
	}

	if c.Default != "" && !names[c.Default] {
		errs = append(errs, fmt.Errorf("default: unknown defender %q", c.Default))
	}

	checkParams := func(where string, ps []ParamRule) {
		for i, p := range ps {
			if strings.TrimSpace(p.Name) == "" {
				errs = append(errs, fmt.Errorf("%s.params[%d]: name is required", where, i))
			}
			if p.Defender != "" && !names[p.Defender] {
				errs = append(errs, fmt.Errorf("%s.params[%d] %q: unknown defender %q", where, i, p.Name, p.Defender))
			}
		}
	}
	checkParams("global", c.Global.Params)

	urls := make(map[string]bool)
	for i, u := range c.URLRules {
		where := fmt.Sprintf("url_rules[%d]", i)
		switch {
		case u.URL == "":
			errs = append(errs, fmt.Errorf("%s: url is required", where))
		case urls[u.URL]:
			errs = append(errs, fmt.Errorf("%s: duplicate url %q", where, u.URL))
		default:
			if _, err := path.Match(u.URL, ""); err != nil {
				errs = append(errs, fmt.Errorf("%s: bad url pattern %q: %w", where, u.URL, err))
			}
		}
		urls[u.URL] = true
		checkParams(where, u.Params)
	}

	return errors.Join(errs...)
}
