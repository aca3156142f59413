package reqguard

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// PayloadCategory names a family of injection signatures.
type PayloadCategory string

const (
	CategoryScript  PayloadCategory = "script_injection"
	CategorySQL     PayloadCategory = "sql_injection"
	CategoryNoSQL   PayloadCategory = "nosql_injection"
	CategoryMarkup  PayloadCategory = "markup_injection"
	CategoryPath    PayloadCategory = "path_traversal"
	CategorySSRF    PayloadCategory = "ssrf"
	CategoryCommand PayloadCategory = "command_injection"
)

// NamedPattern is a regex with a display name.
type NamedPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// PayloadRule is one categorized payload signature.
type PayloadRule struct {
	Category PayloadCategory `yaml:"category"`
	Pattern  string          `yaml:"pattern"`
}

// CatalogSpec is the declarative, uncompiled form of the signature tables.
// All patterns are matched case-insensitively.
type CatalogSpec struct {
	BotUserAgents   []string       `yaml:"botUserAgents"`
	AutomationTools []NamedPattern `yaml:"automationTools"`
	Payload         []PayloadRule  `yaml:"payload"`
}

// DefaultCatalogSpec returns the built-in signature tables.
func DefaultCatalogSpec() CatalogSpec {
	return CatalogSpec{
		BotUserAgents: []string{
			`bot`, `crawl`, `spider`, `slurp`, `scrapy`,
			`curl/`, `wget/`, `python-requests`, `python-urllib`, `aiohttp`, `httpx`,
			`go-http-client`, `java/`, `okhttp`, `libwww-perl`, `apache-httpclient`,
			`node-fetch`, `axios/`, `postmanruntime`, `insomnia`,
			`httpie`, `nikto`, `sqlmap`, `nmap`, `masscan`, `zgrab`, `nuclei`, `dirbuster`, `gobuster`,
			`gptbot`, `chatgpt-user`, `ccbot`, `claudebot`, `bytespider`, `perplexitybot`,
			`ahrefsbot`, `semrushbot`, `mj12bot`, `dotbot`, `petalbot`, `facebookexternalhit`,
		},
		AutomationTools: []NamedPattern{
			{Name: "headless_chrome", Pattern: `headlesschrome`},
			{Name: "phantomjs", Pattern: `phantomjs`},
			{Name: "selenium", Pattern: `selenium|webdriver`},
			{Name: "puppeteer", Pattern: `puppeteer`},
			{Name: "playwright", Pattern: `playwright`},
			{Name: "slimerjs", Pattern: `slimerjs`},
			{Name: "nightmare", Pattern: `nightmare`},
			{Name: "electron", Pattern: `electron/`},
			{Name: "cypress", Pattern: `cypress`},
		},
		Payload: []PayloadRule{
			{CategoryScript, `<script[^>]*>`},
			{CategoryScript, `javascript\s*:`},
			{CategoryScript, `\bon(error|load|click|mouseover|focus|submit)\s*=`},
			{CategoryScript, `\b(eval|settimeout|setinterval)\s*\(`},
			{CategoryScript, `document\.(cookie|location|write)`},

			{CategorySQL, `\bunion\b[\s\S]*\bselect\b`},
			{CategorySQL, `'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`},
			{CategorySQL, `;\s*(drop|delete|truncate|alter|insert|update)\s+`},
			{CategorySQL, `\b(sleep|benchmark|pg_sleep)\s*\(`},
			{CategorySQL, `'\s*--`},
			{CategorySQL, `\bwaitfor\s+delay\b`},

			{CategoryNoSQL, `\$(where|ne|gt|gte|lt|lte|regex|in|nin|exists|expr)\b`},
			{CategoryNoSQL, `\bdb\.\w+\.(find|drop|remove|insert)\s*\(`},

			{CategoryMarkup, `<!entity`},
			{CategoryMarkup, `<!doctype[^>]*\[`},
			{CategoryMarkup, `<\s*(iframe|object|embed|svg|applet|meta|base)\b`},
			{CategoryMarkup, `<\?xml[^>]*\?>`},

			{CategoryPath, `\.\./`},
			{CategoryPath, `\.\.\\`},
			{CategoryPath, `%2e%2e(%2f|%5c|/)`},
			{CategoryPath, `/etc/(passwd|shadow|hosts)`},
			{CategoryPath, `\b(boot|win)\.ini\b`},

			{CategorySSRF, `\b(file|gopher|dict|ldap|ftp)://`},
			{CategorySSRF, `https?://(localhost|127\.\d+\.\d+\.\d+|0\.0\.0\.0|\[::1?\])`},
			{CategorySSRF, `https?://(10\.\d+|192\.168|172\.(1[6-9]|2\d|3[01]))\.\d+`},
			{CategorySSRF, `169\.254\.169\.254|metadata\.google\.internal`},

			{CategoryCommand, `[;&|]\s*(ls|cat|rm|wget|curl|bash|sh|nc|ncat|chmod|whoami|id|uname)\b`},
			{CategoryCommand, `\$\([^)]*\)`},
			{CategoryCommand, `\b(/bin/(ba)?sh|cmd\.exe|powershell)\b`},
		},
	}
}

type compiledTool struct {
	name string
	re   *regexp.Regexp
}

type compiledRule struct {
	category PayloadCategory
	pattern  string
	re       *regexp.Regexp
}

// Catalog is a compiled, immutable set of signature tables.
type Catalog struct {
	spec    CatalogSpec
	bots    []*regexp.Regexp
	tools   []compiledTool
	payload []compiledRule
}

// CompileCatalog compiles every pattern of spec. The first pattern that fails
// to compile aborts with an error naming it.
func CompileCatalog(spec CatalogSpec) (*Catalog, error) {
	c := &Catalog{spec: spec}
	for i, p := range spec.BotUserAgents {
		re, err := compileFold(p)
		if err != nil {
			return nil, fmt.Errorf("%w: bot user agent #%d %q: %v", ErrInvalidConfig, i, p, err)
		}
		c.bots = append(c.bots, re)
	}
	for i, t := range spec.AutomationTools {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: automation tool #%d has no name", ErrInvalidConfig, i)
		}
		re, err := compileFold(t.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: automation tool %q: %v", ErrInvalidConfig, t.Name, err)
		}
		c.tools = append(c.tools, compiledTool{name: t.Name, re: re})
	}
	for i, r := range spec.Payload {
		if r.Category == "" {
			return nil, fmt.Errorf("%w: payload rule #%d has no category", ErrInvalidConfig, i)
		}
		re, err := compileFold(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: payload rule %s %q: %v", ErrInvalidConfig, r.Category, r.Pattern, err)
		}
		c.payload = append(c.payload, compiledRule{category: r.Category, pattern: r.Pattern, re: re})
	}
	return c, nil
}

func compileFold(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return regexp.Compile("(?i)" + pattern)
}

// Spec returns the declarative tables the catalog was compiled from.
func (c *Catalog) Spec() CatalogSpec { return c.spec }

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
)

// DefaultCatalog returns the compiled built-in catalog.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := CompileCatalog(DefaultCatalogSpec())
		if err != nil {
			panic("reqguard: built-in catalog does not compile: " + err.Error())
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadCatalogFile reads a YAML catalog. Tables left empty in the file fall
// back to the built-in defaults.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var spec CatalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parse catalog %s: %v", ErrInvalidConfig, path, err)
	}
	def := DefaultCatalogSpec()
	if len(spec.BotUserAgents) == 0 {
		spec.BotUserAgents = def.BotUserAgents
	}
	if len(spec.AutomationTools) == 0 {
		spec.AutomationTools = def.AutomationTools
	}
	if len(spec.Payload) == 0 {
		spec.Payload = def.Payload
	}
	return CompileCatalog(spec)
}
