package haproxy

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

type importer struct {
	ctx  *xlate.ImportContext
	file string

	userlists     map[string]*userlist
	userlistOrder []string
	backends      map[string]*backendBlock
	backendOrder  []string

	gatewayBound bool
	loggingSeen  bool
}

type userlist struct {
	d    *xlate.Directive
	used bool
}

type backendBlock struct {
	name string
	d    *xlate.Directive

	parsed   bool
	used     bool
	up       *ir.Upstream
	protocol string
	// service scoped policies, given to the first route of the service
	settings []ir.Policy
	attached bool
	// stick table period of a rate limit table
	period time.Duration
	table  string
}

type aclDef struct {
	name     string
	fetch    string
	flags    []string
	patterns []string
	line     int
}

func parseACL(d *xlate.Directive) *aclDef {
	args := d.Args()
	if len(args) < 2 {
		return nil
	}
	a := &aclDef{name: args[0], fetch: args[1], line: d.Line}
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch w := rest[i]; w {
		case "--":
			a.patterns = append(a.patterns, rest[i+1:]...)
			return a
		case "-m", "-f", "-u":
			if i+1 < len(rest) {
				a.flags = append(a.flags, w, rest[i+1])
				i++
			}
		case "-i", "-n", "-M":
			a.flags = append(a.flags, w)
		default:
			a.patterns = append(a.patterns, rest[i:]...)
			return a
		}
	}
	return a
}

// match returns the value of the -m flag.
func (a *aclDef) match() string {
	for i, f := range a.flags {
		if f == "-m" && i+1 < len(a.flags) {
			return a.flags[i+1]
		}
	}
	return ""
}

func (a *aclDef) has(flag string) bool {
	for _, f := range a.flags {
		if f == flag {
			return true
		}
	}
	return false
}

// intPattern reads "<op> <n>" integer patterns such as "lt 75".
func (a *aclDef) intPattern(op string) (int, bool) {
	if len(a.patterns) != 2 || a.patterns[0] != op {
		return 0, false
	}
	n, err := strconv.Atoi(a.patterns[1])
	return n, err == nil
}

type frontend struct {
	name   string
	acls   map[string][]*aclDef
	warned map[string]bool

	routes      map[string]*routeRules
	order       []*routeRules
	fallback    *routeRules
	metricsOnly bool
}

// routeRules gathers the frontend rules of one route.
type routeRules struct {
	name      string
	line      int
	cond      []string
	requests  []*xlate.Directive
	responses []*xlate.Directive
	uses      []useBackend
	foreign   bool
}

type useBackend struct {
	backend string
	acls    []string
	line    int
}

// Import reads haproxy.cfg. Sections and statements that do not map to
// the IR are kept as raw fragments.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f := art.Primary()
	im := &importer{
		ctx:       ctx,
		file:      f.Name,
		userlists: make(map[string]*userlist),
		backends:  make(map[string]*backendBlock),
	}
	sections, errs := parseConfig(f.Name, f.Content)
	for _, err := range errs {
		ctx.ParseFailed(err)
	}
	for _, s := range sections {
		name := s.Arg(0)
		switch s.Name() {
		case "userlist":
			if _, dup := im.userlists[name]; dup {
				ctx.ParseFailed(&xlate.ParseError{File: im.file, Line: s.Line, Path: "userlist " + name, Msg: "duplicate userlist " + name})
				continue
			}
			im.userlists[name] = &userlist{d: s}
			im.userlistOrder = append(im.userlistOrder, name)
		case "backend":
			if _, dup := im.backends[name]; dup {
				ctx.ParseFailed(&xlate.ParseError{File: im.file, Line: s.Line, Path: "backend " + name, Msg: "duplicate backend " + name})
				continue
			}
			im.backends[name] = &backendBlock{name: name, d: s}
			im.backendOrder = append(im.backendOrder, name)
		}
	}
	for _, s := range sections {
		switch s.Name() {
		case "global":
			im.global(s)
		case "defaults":
			im.defaults(s)
		case "frontend":
			im.frontend(s)
		case "listen":
			im.listen(s)
		case "userlist", "backend":
		default:
			im.fragment("section "+s.Name(), sectionPath(s), s)
		}
	}
	im.finish()
}

func sectionPath(s *xlate.Directive) string {
	if s.Arg(0) == "" {
		return s.Name()
	}
	return s.Name() + " " + s.Arg(0)
}

func sectionText(s *xlate.Directive) string {
	var b strings.Builder
	b.WriteString(line(s))
	for _, d := range s.Block {
		b.WriteString("\n    " + line(d))
	}
	return b.String()
}

func (im *importer) fragment(kind, path string, d *xlate.Directive) {
	text := line(d)
	if d.IsBlock() {
		text = sectionText(d)
	}
	im.ctx.Unrecognized(xlate.RawFragment{Kind: kind, Path: path, Line: d.Line, Text: text})
}

func (im *importer) lossy(feature capability.Feature, path string, d *xlate.Directive, format string, args ...any) {
	im.ctx.Lossy(feature, path, d.Line, format, args...)
}

func (im *importer) parseFailed(path string, d *xlate.Directive, msg string) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Line: d.Line, Path: path, Msg: msg})
}

var importLevels = map[string]string{
	"debug":   "debug",
	"info":    "info",
	"notice":  "info",
	"warning": "warn",
	"err":     "error",
	"crit":    "error",
	"alert":   "error",
	"emerg":   "error",
}

func (im *importer) global(s *xlate.Directive) {
	for _, d := range s.Block {
		switch {
		case d.Name() == "log":
			im.log(d)
		case boilerplate[d.Name()] || strings.HasPrefix(d.Name(), "tune.") || strings.HasPrefix(d.Name(), "ssl-default-"):
		default:
			im.fragment("global "+d.Name(), "global", d)
		}
	}
}

// log reads "log <target> [len n] [format f] <facility> [level]".
func (im *importer) log(d *xlate.Directive) {
	args := d.Args()
	if len(args) == 0 {
		im.parseFailed("global", d, "log without a target")
		return
	}
	if im.loggingSeen {
		im.lossy(capability.GlobalLogging, "global", d, "only the first log target is kept")
		return
	}
	im.loggingSeen = true
	lg := &im.ctx.Builder.Global.Logging
	lg.Enabled = true
	if target := args[0]; target != "stdout" && target != "/dev/stdout" {
		lg.AccessLog = target
	}
	rest := args[1:]
	for len(rest) >= 2 && (rest[0] == "format" || rest[0] == "len" || rest[0] == "sample") {
		rest = rest[2:]
	}
	level := "info"
	if len(rest) >= 2 {
		l, ok := importLevels[rest[1]]
		if !ok {
			im.parseFailed("global", d, "unknown log level "+rest[1])
			return
		}
		if l != rest[1] && !(rest[1] == "warning" || rest[1] == "err") {
			im.lossy(capability.GlobalLogging, "global", d, "log level %s read as %s", rest[1], l)
		}
		level = l
	}
	lg.Level = level
}

var knownOptions = map[string]bool{
	"httplog":           true,
	"dontlognull":       true,
	"forwardfor":        true,
	"http-server-close": true,
	"http-keep-alive":   true,
	"redispatch":        true,
}

func (im *importer) defaults(s *xlate.Directive) {
	g := &im.ctx.Builder.Global
	for _, d := range s.Block {
		switch d.Name() {
		case "mode":
			if d.Arg(0) != "http" {
				im.fragment("defaults mode", "defaults", d)
			}
		case "log":
			if d.Arg(0) != "global" {
				im.fragment("defaults log", "defaults", d)
			}
		case "option":
			if d.Arg(0) == "httplog" {
				g.Logging.Format = "text"
			} else if !knownOptions[d.Arg(0)] {
				im.fragment("defaults option", "defaults", d)
			}
		case "log-format":
			g.Logging.Format = "text"
			if strings.HasPrefix(strings.TrimSpace(d.Arg(0)), "{") {
				g.Logging.Format = "json"
			}
			if d.Arg(0) != jsonLogFormat {
				im.lossy(capability.GlobalLogging, "defaults", d, "custom log-format read as %s format", g.Logging.Format)
			}
		case "timeout":
			im.defaultTimeout(d)
		default:
			if !boilerplate[d.Name()] {
				im.fragment("defaults "+d.Name(), "defaults", d)
			}
		}
	}
}

func (im *importer) defaultTimeout(d *xlate.Directive) {
	switch d.Arg(0) {
	case "connect", "client", "http-request", "http-keep-alive", "queue":
		return
	case "server":
		v, err := parseTime(d.Arg(1))
		if err != nil {
			im.parseFailed("defaults", d, "invalid timeout "+d.Arg(1))
			return
		}
		if def, _ := parseTime(defaultServerTimeout); v != def {
			im.ctx.Builder.Global.Timeout = v
		}
	default:
		im.fragment("defaults timeout", "defaults", d)
	}
}

// bindAddress reads the first address of a bind statement.
func bindAddress(addr string) (host string, port int, ok bool) {
	addr, _, _ = strings.Cut(addr, ",")
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "ipv4@"), "ipv6@")
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, false
	}
	host = strings.Trim(addr[:i], "[]")
	if host == "*" {
		host = ""
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

func (im *importer) bind(d *xlate.Directive, path string) (host string, port int, ok bool) {
	host, port, ok = bindAddress(d.Arg(0))
	if !ok {
		im.parseFailed(path, d, "invalid bind address "+d.Arg(0))
		return
	}
	if len(d.Args()) > 1 || strings.Contains(d.Arg(0), ",") {
		im.lossy(capability.GlobalAdmin, path, d, "bind parameters and extra addresses dropped")
	}
	return host, port, true
}

func (im *importer) frontend(s *xlate.Directive) {
	fe := &frontend{
		name:   s.Arg(0),
		acls:   make(map[string][]*aclDef),
		warned: make(map[string]bool),
		routes: make(map[string]*routeRules),
	}
	path := sectionPath(s)
	service, routed := false, false
	for _, d := range s.Block {
		switch d.Name() {
		case "acl":
			if a := parseACL(d); a != nil {
				fe.acls[a.name] = append(fe.acls[a.name], a)
			} else {
				im.parseFailed(path, d, "acl needs a name and a fetch")
			}
		case "http-request":
			if d.Arg(0) == "use-service" {
				service = true
			}
		case "use_backend", "default_backend":
			routed = true
		}
	}
	fe.metricsOnly = service && !routed

	port := 0
	for _, d := range s.Block {
		switch d.Name() {
		case "acl":
		case "bind":
			host, p, ok := im.bind(d, path)
			if !ok {
				continue
			}
			port = p
			if fe.metricsOnly {
				continue
			}
			g := &im.ctx.Builder.Global
			if !im.gatewayBound {
				im.gatewayBound = true
				g.Host, g.Port = host, p
			} else if g.Port != p || g.Host != host {
				im.lossy(capability.GlobalAdmin, path, d, "one listener is kept, %s dropped", d.Arg(0))
			}
		case "mode":
			if d.Arg(0) != "http" {
				im.fragment("frontend mode", path, d)
			}
		case "option":
			if !knownOptions[d.Arg(0)] {
				im.fragment("frontend option", path, d)
			}
		case "log":
			if d.Arg(0) != "global" {
				im.fragment("frontend log", path, d)
			}
		case "http-request":
			im.httpRequest(fe, d, path, port)
		case "http-response":
			if r, _ := im.routeOf(fe, d); r != nil {
				r.responses = append(r.responses, d)
			} else {
				im.fragment("http-response", path, d)
			}
		case "use_backend":
			im.useBackend(fe, d, path)
		case "default_backend":
			fe.fallback = &routeRules{name: "default", line: d.Line, foreign: true,
				uses: []useBackend{{backend: d.Arg(0), line: d.Line}}}
		default:
			im.fragment("frontend "+d.Name(), path, d)
		}
	}
	routes := fe.order
	if fe.fallback != nil {
		routes = append(routes, fe.fallback)
	}
	for _, r := range routes {
		im.buildRoute(fe, r, path)
	}
}

// acl returns the definition of an ACL. ACLs defined more than once are
// alternatives, only the first one is read.
func (im *importer) acl(fe *frontend, name, path string) *aclDef {
	defs := fe.acls[name]
	if len(defs) == 0 {
		return nil
	}
	if len(defs) > 1 && !fe.warned[name] {
		fe.warned[name] = true
		im.ctx.Lossy("", path, defs[1].line, "acl %s is defined %d times, only the first definition is read", name, len(defs))
	}
	return defs[0]
}

// routeOf finds the route ACL among the conditions of a rule and returns
// the route with the remaining ACLs.
func (im *importer) routeOf(fe *frontend, d *xlate.Directive) (*routeRules, []string) {
	acls, ok := condition(d.Args())
	if !ok {
		return nil, nil
	}
	for i, name := range acls {
		a := im.acl(fe, name, "frontend "+fe.name)
		if a == nil || a.fetch != "var("+routeVar+")" || a.match() != "str" || len(a.patterns) != 1 {
			continue
		}
		if r := fe.routes[a.patterns[0]]; r != nil {
			rest := append(append([]string{}, acls[:i]...), acls[i+1:]...)
			return r, rest
		}
	}
	return nil, nil
}

func (im *importer) httpRequest(fe *frontend, d *xlate.Directive, path string, port int) {
	act := action(d.Args())
	if len(act) == 0 {
		im.parseFailed(path, d, "http-request without an action")
		return
	}
	if act[0] == "set-var("+routeVar+")" {
		name, ok := fetchArg(d.Arg(1), "str")
		acls, plain := condition(d.Args())
		if !ok || !plain {
			im.fragment("http-request", path, d)
			return
		}
		if fe.routes[name] != nil {
			im.parseFailed(path, d, "route "+name+" is selected twice")
			return
		}
		r := &routeRules{name: name, line: d.Line, cond: acls}
		fe.routes[name] = r
		fe.order = append(fe.order, r)
		return
	}
	if act[0] == "use-service" && d.Arg(1) == "prometheus-exporter" {
		im.metrics(fe, d, path, port)
		return
	}
	if r, _ := im.routeOf(fe, d); r != nil {
		r.requests = append(r.requests, d)
		return
	}
	im.fragment("http-request", path, d)
}

// metrics reads a prometheus-exporter service. It is served on the
// gateway listener unless its frontend only serves metrics.
func (im *importer) metrics(fe *frontend, d *xlate.Directive, path string, port int) {
	acls, ok := condition(d.Args())
	m := &im.ctx.Builder.Global.Metrics
	m.Enabled = true
	m.Path = ir.DefaultMetricsPath
	if ok && len(acls) == 1 {
		if a := im.acl(fe, acls[0], path); a != nil && a.fetch == "path" && len(a.patterns) == 1 {
			m.Path = a.patterns[0]
		} else {
			im.lossy(capability.GlobalMetrics, path, d, "metrics condition read as path %s", m.Path)
		}
	} else if len(acls) > 0 || !ok {
		im.lossy(capability.GlobalMetrics, path, d, "metrics condition read as path %s", m.Path)
	}
	if fe.metricsOnly || fe.name == adminName {
		m.Port = port
	}
}

func (im *importer) useBackend(fe *frontend, d *xlate.Directive, path string) {
	backend := d.Arg(0)
	if backend == "" || strings.Contains(backend, "%[") {
		im.fragment("use_backend", path, d)
		return
	}
	if r, rest := im.routeOf(fe, d); r != nil {
		r.uses = append(r.uses, useBackend{backend: backend, acls: rest, line: d.Line})
		return
	}
	acls, ok := condition(d.Args())
	if !ok {
		im.fragment("use_backend", path, d)
		return
	}
	name := backend
	for _, a := range acls {
		if def := im.acl(fe, a, path); def != nil && strings.HasPrefix(def.fetch, "path") {
			name = a
			break
		}
	}
	r := &routeRules{name: name, line: d.Line, cond: acls, foreign: true,
		uses: []useBackend{{backend: backend, line: d.Line}}}
	fe.order = append(fe.order, r)
}

func (im *importer) listen(s *xlate.Directive) {
	path := sectionPath(s)
	if s.Find("stats") == nil || s.Find("server") != nil {
		im.fragment("listen", path, s)
		return
	}
	fe := &frontend{name: adminName, acls: make(map[string][]*aclDef), warned: make(map[string]bool)}
	for _, d := range s.FindAll("acl") {
		if a := parseACL(d); a != nil {
			fe.acls[a.name] = append(fe.acls[a.name], a)
		}
	}
	port := 0
	for _, d := range s.Block {
		switch d.Name() {
		case "acl", "mode", "stats":
		case "bind":
			if _, p, ok := im.bind(d, path); ok {
				port = p
				im.ctx.Builder.Global.AdminPort = p
			}
		case "http-request":
			if d.Arg(0) == "use-service" && d.Arg(1) == "prometheus-exporter" {
				im.metrics(fe, d, path, port)
				continue
			}
			im.fragment("listen http-request", path, d)
		default:
			im.fragment("listen "+d.Name(), path, d)
		}
	}
}

// selectors reads the path and method ACLs of a route.
func (im *importer) selectors(fe *frontend, r *routeRules, route *ir.Route, path string) {
	route.Match = ir.PathMatch{Kind: ir.MatchPrefix, Value: "/"}
	matched := false
	for _, name := range r.cond {
		neg := strings.HasPrefix(name, "!")
		a := im.acl(fe, strings.TrimPrefix(name, "!"), path)
		if a == nil {
			im.ctx.Lossy("", path, r.line, "acl %s of route %s is not defined, ignored", name, route.Name)
			continue
		}
		if neg && a.fetch == "var("+routeVar+")" && a.match() == "found" {
			continue
		}
		if neg {
			im.ctx.Lossy("", path, a.line, "negated acl %s of route %s ignored", name, route.Name)
			continue
		}
		if a.fetch == "method" {
			methods, err := values.ParseMethods(a.patterns...)
			if err != nil {
				im.ctx.Lossy(capability.RouteMethods, path, a.line, "acl %s: %v, methods ignored", name, err)
				continue
			}
			route.Methods = methods
			continue
		}
		m, ok := pathMatch(a)
		if !ok || matched {
			im.ctx.Lossy("", path, a.line, "acl %s of route %s ignored", name, route.Name)
			continue
		}
		matched = true
		if len(a.patterns) > 1 {
			im.ctx.Lossy(capability.MatchFeature(m.Kind), path, a.line, "acl %s lists %d paths, only %s is kept", name, len(a.patterns), m.Value)
		}
		if a.has("-i") {
			if m.Kind == ir.MatchRegex {
				m.Value = "(?i)" + m.Value
			} else {
				im.ctx.Lossy(capability.MatchFeature(m.Kind), path, a.line, "case insensitive match of acl %s read as case sensitive", name)
			}
		}
		route.Match = m
	}
}

func pathMatch(a *aclDef) (ir.PathMatch, bool) {
	if len(a.patterns) == 0 {
		return ir.PathMatch{}, false
	}
	kind := ir.MatchKind("")
	switch a.fetch {
	case "path_beg":
		kind = ir.MatchPrefix
	case "path_reg":
		kind = ir.MatchRegex
	case "path":
		switch a.match() {
		case "", "str":
			kind = ir.MatchExact
		case "beg":
			kind = ir.MatchPrefix
		case "reg":
			kind = ir.MatchRegex
		}
	}
	if kind == "" {
		return ir.PathMatch{}, false
	}
	return ir.PathMatch{Kind: kind, Value: a.patterns[0]}, true
}

func (im *importer) buildRoute(fe *frontend, r *routeRules, path string) {
	route := &ir.Route{Name: xlate.SanitizeName(r.name)}
	im.selectors(fe, r, route, path)
	service, split := im.resolve(fe, r, path)
	if service == "" {
		return
	}
	ps := &policySet{}
	im.requestRules(fe, r, ps, path)
	im.responseRules(fe, r, ps, path)
	route.Policies = ps.list()
	if split != nil {
		route.Policies = append(route.Policies, split)
	}
	im.ctx.Builder.AddRoute(service, route)
}

// resolve returns the service of a route and its traffic split, if the
// route picks among several backends.
func (im *importer) resolve(fe *frontend, r *routeRules, path string) (string, *ir.TrafficSplit) {
	switch len(r.uses) {
	case 0:
		im.ctx.Lossy("", path, r.line, "route %s selects no backend, skipped", r.name)
		return "", nil
	case 1:
		if len(r.uses[0].acls) > 0 {
			im.ctx.Lossy("", path, r.uses[0].line, "backend condition of route %s ignored", r.name)
		}
		return im.baseService(r.uses[0].backend, path, r.uses[0].line), nil
	}

	weights := true
	for _, u := range r.uses[:len(r.uses)-1] {
		if len(u.acls) != 1 {
			weights = false
			break
		}
		a := im.acl(fe, u.acls[0], path)
		if a == nil || a.fetch != "var("+splitVar+")" {
			weights = false
			break
		}
	}
	if weights {
		return im.weightSplit(fe, r, path)
	}
	return im.rulesSplit(fe, r, path)
}

// splitMember maps a backend used by a split to the split target name
// and the service it derives from.
func (im *importer) splitMember(backend string) (target, base string, up *ir.Upstream) {
	svc, kind, sub := xlate.ParseUpstreamName(backend)
	if kind == xlate.DerivedSplit {
		target, base = sub, svc
	} else {
		target = xlate.SanitizeName(backend)
	}
	if b := im.backend(backend); b != nil {
		up = b.up
	}
	return target, base, up
}

func (im *importer) weightSplit(fe *frontend, r *routeRules, path string) (string, *ir.TrafficSplit) {
	ts := &ir.TrafficSplit{Mode: ir.SplitWeight}
	bases := make(map[string]bool)
	prev := 0
	for i, u := range r.uses {
		cum := 100
		if i < len(r.uses)-1 {
			a := im.acl(fe, u.acls[0], path)
			n, ok := a.intPattern("lt")
			if !ok || n < prev || n > 100 {
				im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Line: a.line, Path: path, Msg: "acl " + a.name + " is not a split threshold"})
				return "", nil
			}
			cum = n
		}
		target, base, up := im.splitMember(u.backend)
		if up == nil {
			return "", nil
		}
		bases[base] = true
		ts.Targets = append(ts.Targets, ir.SplitTarget{Name: target, Weight: cum - prev, Upstream: up})
		prev = cum
	}
	return im.splitService(ts, bases, r, path), ts
}

func (im *importer) rulesSplit(fe *frontend, r *routeRules, path string) (string, *ir.TrafficSplit) {
	ts := &ir.TrafficSplit{Mode: ir.SplitRules}
	bases := make(map[string]bool)
	add := func(backend string) (string, bool) {
		target, base, up := im.splitMember(backend)
		if up == nil {
			return "", false
		}
		if ts.Target(target) == nil {
			ts.Targets = append(ts.Targets, ir.SplitTarget{Name: target, Upstream: up})
			bases[base] = true
		}
		return target, true
	}
	last := r.uses[len(r.uses)-1]
	for _, u := range r.uses[:len(r.uses)-1] {
		if len(u.acls) != 1 {
			im.ctx.Lossy(capability.TrafficSplitRules, path, u.line, "backend %s needs several acls, rule dropped", u.backend)
			continue
		}
		a := im.acl(fe, u.acls[0], path)
		header, ok := "", false
		if a != nil {
			header, ok = fetchArg(a.fetch, "req.hdr")
		}
		if !ok || len(a.patterns) != 1 || (a.match() != "str" && a.match() != "") {
			im.ctx.Lossy(capability.TrafficSplitRules, path, u.line, "acl %s is not a header match, rule dropped", u.acls[0])
			continue
		}
		target, ok := add(u.backend)
		if !ok {
			continue
		}
		ts.Rules = append(ts.Rules, ir.SplitRule{Header: header, Value: a.patterns[0], Target: target})
	}
	if len(last.acls) > 0 {
		im.ctx.Lossy(capability.TrafficSplitRules, path, last.line, "last backend of route %s read as the fallback", r.name)
	}
	svc, kind, sub := xlate.ParseUpstreamName(last.backend)
	if kind == xlate.DerivedSplit {
		if _, ok := add(last.backend); ok {
			ts.Fallback = sub
		}
		return im.splitService(ts, bases, r, path), ts
	}
	if len(ts.Rules) == 0 {
		return im.baseService(last.backend, path, last.line), nil
	}
	base := im.baseService(svc, path, last.line)
	if base == "" {
		return "", nil
	}
	return base, ts
}

// splitService returns the service of a split route: the service all
// targets derive from, or one named after the route.
func (im *importer) splitService(ts *ir.TrafficSplit, bases map[string]bool, r *routeRules, path string) string {
	if len(bases) == 1 {
		for base := range bases {
			if base != "" && im.backends[base] != nil {
				return im.baseService(base, path, r.line)
			}
		}
	}
	im.ctx.Lossy(capability.SplitFeature(ts.Mode), path, r.line,
		"split targets of route %s do not share a service, a service named after the route is used", r.name)
	name := xlate.SanitizeName(r.name)
	svc := im.ctx.Builder.Service(name, path)
	if len(svc.Upstream.Targets) == 0 {
		svc.Upstream = *ts.Targets[0].Upstream
	}
	return name
}

// baseService returns the service reading the backend name, creating
// it from the backend on first use.
func (im *importer) baseService(name, path string, line int) string {
	b := im.backend(name)
	if b == nil {
		im.ctx.Lossy("", path, line, "backend %s is not defined", name)
		return ""
	}
	if b.up == nil {
		return ""
	}
	svcName := xlate.SanitizeName(name)
	svc := im.ctx.Builder.Service(svcName, "backend "+name)
	if !b.attached {
		b.attached = true
		svc.Upstream = *b.up
		svc.Protocol = b.protocol
	}
	return svcName
}

// backend parses a backend on first use.
func (im *importer) backend(name string) *backendBlock {
	b := im.backends[name]
	if b == nil {
		return nil
	}
	b.used = true
	if !b.parsed {
		b.parsed = true
		im.parseBackend(b)
	}
	return b
}

type policySet struct {
	rateKey   string
	rateTable string
	rateLimit int
	rateLine  int

	rate    *ir.RateLimit
	auth    *ir.Authentication
	cors    *ir.CORS
	headers ir.Headers
}

func (p *policySet) corsPolicy() *ir.CORS {
	if p.cors == nil {
		p.cors = &ir.CORS{}
	}
	return p.cors
}

func (p *policySet) list() []ir.Policy {
	var out []ir.Policy
	if p.rate != nil {
		out = append(out, p.rate)
	}
	if p.auth != nil {
		out = append(out, p.auth)
	}
	if p.cors != nil {
		out = append(out, p.cors)
	}
	if !p.headers.Request.IsEmpty() || !p.headers.Response.IsEmpty() {
		h := p.headers
		out = append(out, &h)
	}
	return out
}

func (im *importer) requestRules(fe *frontend, r *routeRules, ps *policySet, path string) {
	for _, d := range r.requests {
		act := action(d.Args())
		_, rest := im.routeOf(fe, d)
		ok := true
		switch {
		case act[0] == "track-sc0" && len(act) == 4 && act[2] == "table" && len(rest) == 0:
			ps.rateKey, ps.rateTable, ps.rateLine = act[1], act[3], d.Line
		case act[0] == "deny" && len(act) == 3 && act[1] == "deny_status" && act[2] == "429" && len(rest) == 1:
			a := im.acl(fe, rest[0], path)
			if a != nil {
				ps.rateLimit, ok = a.intPattern("gt")
			} else {
				ok = false
			}
		case act[0] == "deny" && len(act) == 3 && act[1] == "deny_status" && act[2] == "401" && len(rest) == 1 && strings.HasPrefix(rest[0], "!"):
			ok = im.apiKey(fe, d, strings.TrimPrefix(rest[0], "!"), ps, path)
		case act[0] == "auth" && len(rest) == 1 && strings.HasPrefix(rest[0], "!"):
			ok = im.basicAuth(fe, d, act, strings.TrimPrefix(rest[0], "!"), ps, path)
		case act[0] == "set-var("+originVar+")" && len(rest) == 1:
			a := im.acl(fe, rest[0], path)
			if ok = a != nil && len(a.patterns) > 0; ok {
				ps.corsPolicy().AllowOrigins = append([]string{}, a.patterns...)
			}
		case act[0] == "return" && len(rest) == 1:
			a := im.acl(fe, rest[0], path)
			ok = a != nil && a.fetch == "method" && len(a.patterns) == 1 && a.patterns[0] == "OPTIONS" &&
				im.preflight(d, act, ps, path)
		case act[0] == "set-var("+splitVar+")":
		case act[0] == "set-header" || act[0] == "add-header" || act[0] == "del-header":
			ok = len(rest) == 0 && im.headerRule(d, act, &ps.headers.Request, capability.RequestHeaders, path)
		default:
			ok = false
		}
		if !ok {
			im.fragment("http-request", path, d)
		}
	}
	switch {
	case ps.rateTable != "":
		ps.rate = im.rateLimit(ps, path)
	case ps.rateLimit > 0:
		im.ctx.Lossy(capability.RateLimit, path, r.line, "route %s denies with 429 without tracking a table, dropped", r.name)
	}
}

func (im *importer) rateLimit(ps *policySet, path string) *ir.RateLimit {
	b := im.backend(ps.rateTable)
	if b == nil || b.period <= 0 {
		im.ctx.Lossy(capability.RateLimit, path, ps.rateLine, "table %s has no http_req_rate counter, rate limit dropped", ps.rateTable)
		return nil
	}
	if ps.rateLimit <= 0 {
		im.ctx.Lossy(capability.RateLimit, path, ps.rateLine, "table %s is tracked but never checked, rate limit dropped", ps.rateTable)
		return nil
	}
	rl := &ir.RateLimit{RequestsPerSecond: values.PerPeriod(float64(ps.rateLimit), b.period)}
	switch {
	case ps.rateKey == "src":
		rl.Key = ir.RateLimitByIP
	case ps.rateKey == "http_auth_user":
		rl.Key = ir.RateLimitByConsumer
	case strings.HasPrefix(ps.rateKey, "int("):
		rl.Key = ir.RateLimitGlobal
	default:
		if name, ok := fetchArg(ps.rateKey, "req.hdr"); ok {
			rl.Key, rl.KeyName = ir.RateLimitByHeader, name
		} else {
			rl.Key = ir.RateLimitGlobal
			im.ctx.Lossy(capability.RateLimit, path, ps.rateLine, "requests tracked by %s read as a global limit", ps.rateKey)
		}
	}
	return rl
}

func (im *importer) apiKey(fe *frontend, d *xlate.Directive, name string, ps *policySet, path string) bool {
	a := im.acl(fe, name, path)
	if a == nil || (a.match() != "str" && a.match() != "") {
		return false
	}
	k := &ir.APIKeyAuth{Keys: append([]string{}, a.patterns...)}
	if h, ok := fetchArg(a.fetch, "req.hdr"); ok {
		k.Header = h
		if strings.EqualFold(h, ir.DefaultAPIKeyHeader) {
			k.Header = ir.DefaultAPIKeyHeader
		}
	} else if q, ok := fetchArg(a.fetch, "urlp"); ok {
		k.Query = q
	} else {
		return false
	}
	if a.has("-i") {
		im.lossy(capability.AuthAPIKey, path, d, "keys of acl %s are compared case sensitively", name)
	}
	im.setAuth(ps, &ir.Authentication{Type: ir.AuthAPIKey, APIKey: k}, path, d)
	return true
}

func (im *importer) setAuth(ps *policySet, a *ir.Authentication, path string, d *xlate.Directive) {
	if ps.auth != nil {
		im.lossy(capability.AuthFeature(a.Type), path, d, "a route has one authentication, %s dropped", a.Type)
		return
	}
	ps.auth = a
}

func (im *importer) basicAuth(fe *frontend, d *xlate.Directive, act []string, name string, ps *policySet, path string) bool {
	a := im.acl(fe, name, path)
	if a == nil {
		return false
	}
	list, ok := fetchArg(a.fetch, "http_auth")
	if !ok {
		return false
	}
	ul := im.userlists[list]
	if ul == nil {
		im.lossy(capability.AuthBasic, path, d, "userlist %s is not defined", list)
		return false
	}
	ul.used = true
	basic := &ir.BasicAuth{}
	if len(act) >= 3 && act[1] == "realm" && act[2] != defaultRealm {
		basic.Realm = act[2]
	}
	upath := "userlist " + list
	for _, u := range ul.d.Block {
		switch u.Name() {
		case "user":
			if len(u.Args()) < 3 || (u.Arg(1) != "password" && u.Arg(1) != "insecure-password") {
				im.parseFailed(upath, u, "user needs a password or an insecure-password")
				continue
			}
			basic.Users = append(basic.Users, ir.BasicUser{Username: u.Arg(0), Password: u.Arg(2)})
			if len(u.Args()) > 3 {
				im.lossy(capability.AuthBasic, upath, u, "groups of user %s dropped", u.Arg(0))
			}
		case "group":
			im.lossy(capability.AuthBasic, upath, u, "group %s dropped, users are checked one by one", u.Arg(0))
		default:
			im.fragment("userlist "+u.Name(), upath, u)
		}
	}
	im.setAuth(ps, &ir.Authentication{Type: ir.AuthBasic, Basic: basic}, path, d)
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// preflight reads "return status 204 hdr <name> <value>...".
func (im *importer) preflight(d *xlate.Directive, act []string, ps *policySet, path string) bool {
	if len(act) < 3 || act[1] != "status" {
		return false
	}
	c := ps.corsPolicy()
	for i := 3; i < len(act); i++ {
		if act[i] != "hdr" || i+2 >= len(act) {
			im.lossy(capability.CORS, path, d, "preflight parameter %s dropped", act[i])
			continue
		}
		name := strings.ToLower(act[i+1])
		value, _ := unescapeFormat(act[i+2])
		i += 2
		switch name {
		case "access-control-allow-origin":
			switch {
			case value == "*":
				c.AllowOrigins = []string{"*"}
			case strings.HasPrefix(act[i], "%["):
				// origins come from the acl of the set-var rule
			default:
				c.AllowOrigins = []string{value}
			}
		case "access-control-allow-methods":
			methods, err := values.ParseMethods(splitList(value)...)
			if err != nil {
				im.lossy(capability.CORS, path, d, "allowed methods: %v", err)
				continue
			}
			if methods.Len() == len(values.AllMethods) {
				methods = 0
			}
			c.AllowMethods = methods
		case "access-control-allow-headers":
			c.AllowHeaders = splitList(value)
		case "access-control-allow-credentials":
			c.AllowCredentials = value == "true"
		case "access-control-max-age":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				im.lossy(capability.CORS, path, d, "invalid max age %s dropped", value)
				continue
			}
			c.MaxAge = values.Seconds(float64(n))
		default:
			im.lossy(capability.CORS, path, d, "preflight header %s dropped", act[i-1])
		}
	}
	return true
}

func (im *importer) headerRule(d *xlate.Directive, act []string, ops *ir.HeaderOps, feature capability.Feature, path string) bool {
	switch act[0] {
	case "del-header":
		if len(act) != 2 {
			return false
		}
		ops.Remove = append(ops.Remove, act[1])
	case "set-header", "add-header":
		if len(act) != 3 {
			return false
		}
		value, dynamic := unescapeFormat(act[2])
		if dynamic {
			value = act[2]
			im.lossy(feature, path, d, "value of header %s is a log-format expression, kept verbatim", act[1])
		}
		h := ir.Header{Name: act[1], Value: value}
		if act[0] == "set-header" {
			ops.Set = append(ops.Set, h)
		} else {
			ops.Add = append(ops.Add, h)
		}
	default:
		return false
	}
	return true
}

func (im *importer) responseRules(fe *frontend, r *routeRules, ps *policySet, path string) {
	for _, d := range r.responses {
		act := action(d.Args())
		_, rest := im.routeOf(fe, d)
		if len(act) == 0 || len(rest) > 0 {
			im.fragment("http-response", path, d)
			continue
		}
		if ps.cors != nil && act[0] == "set-header" && len(act) == 3 {
			name := strings.ToLower(act[1])
			if name == "vary" && act[2] == "Origin" {
				continue
			}
			if strings.HasPrefix(name, "access-control-") {
				if name == "access-control-expose-headers" {
					value, _ := unescapeFormat(act[2])
					ps.cors.ExposeHeaders = splitList(value)
				}
				continue
			}
		}
		if !im.headerRule(d, act, &ps.headers.Response, capability.ResponseHeaders, path) {
			im.fragment("http-response", path, d)
		}
	}
	if ps.cors != nil && len(ps.cors.AllowOrigins) == 0 {
		im.ctx.Lossy(capability.CORS, path, r.line, "route %s answers preflights without an origin, cors dropped", r.name)
		ps.cors = nil
	}
}

func (im *importer) balance(d *xlate.Directive, up *ir.Upstream, path string) {
	hash := func(source ir.HashSource, name string) {
		up.Algorithm = ir.ConsistentHash
		up.HashKey = &ir.HashKey{Source: source, Name: name}
	}
	switch alg := d.Arg(0); alg {
	case "roundrobin", "static-rr":
		up.Algorithm = ir.RoundRobin
	case "leastconn":
		up.Algorithm = ir.LeastConnections
	case "source":
		hash(ir.HashIP, "")
	case "uri":
		hash(ir.HashURI, "")
	case "url_param":
		hash(ir.HashQuery, d.Arg(1))
	default:
		if name, ok := fetchArg(alg, "hdr"); ok {
			hash(ir.HashHeader, name)
			return
		}
		up.Algorithm = ir.RoundRobin
		im.lossy(capability.UpstreamRoundRobin, path, d, "balance %s read as round robin", alg)
	}
}

var knownServerParams = map[string]bool{
	"check":       true,
	"ssl":         true,
	"verify":      true,
	"ca-file":     true,
	"sni":         true,
	"proto":       true,
	"weight":      true,
	"maxconn":     true,
	"maxqueue":    true,
	"inter":       true,
	"fall":        true,
	"rise":        true,
	"observe":     true,
	"error-limit": true,
	"on-error":    true,
	"downinter":   true,
}

// unknownParams lists the server parameters that do not map to the IR,
// in source order.
func unknownParams(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if !knownServerParams[args[i]] {
			out = append(out, args[i])
		}
		if serverValueParams[args[i]] {
			i++
		}
	}
	return out
}

type retryGroup struct {
	cond   string
	tokens []string
}

var retryGroups = []retryGroup{
	{"5xx", retryTokens["5xx"]},
	{"gateway-error", retryTokens["gateway-error"]},
	{"connect-failure", retryTokens["connect-failure"]},
	{"reset", retryTokens["reset"]},
	{"timeout", retryTokens["timeout"]},
	{"retriable-4xx", retryTokens["retriable-4xx"]},
}

var allRetryableErrors = []string{"conn-failure", "empty-response", "response-timeout", "500", "502", "503", "504"}

// retryConditions groups retry-on keywords into retry conditions.
func retryConditions(tokens []string) (conds, leftover []string) {
	set := make(map[string]bool)
	for _, t := range tokens {
		if t == "all-retryable-errors" {
			for _, x := range allRetryableErrors {
				set[x] = true
			}
			continue
		}
		set[t] = true
	}
	for _, g := range retryGroups {
		all := true
		for _, t := range g.tokens {
			all = all && set[t]
		}
		if !all {
			continue
		}
		conds = append(conds, g.cond)
		for _, t := range g.tokens {
			delete(set, t)
		}
	}
	for _, t := range tokens {
		if set[t] {
			leftover = append(leftover, t)
			delete(set, t)
		}
	}
	return conds, leftover
}

func (im *importer) parseBackend(b *backendBlock) {
	path := "backend " + b.name
	up := &ir.Upstream{Algorithm: ir.RoundRobin}
	var (
		active       *ir.ActiveHealthCheck
		statuses     []int
		checkTimeout values.Duration
		timeout      ir.Timeout
		ws           *ir.WebSocket
		retryOn      []string
		retryOnLine  *xlate.Directive
		defaults     []string
		servers      []*xlate.Directive
		consistent   bool
		hashTypeLine *xlate.Directive
	)
	retries := -1
	duration := func(d *xlate.Directive, s string) (values.Duration, bool) {
		v, err := parseTime(s)
		if err != nil {
			im.parseFailed(path, d, "invalid time "+s)
			return 0, false
		}
		return v, true
	}
	for _, d := range b.d.Block {
		switch d.Name() {
		case "balance":
			im.balance(d, up, path)
		case "hash-type":
			consistent = d.Arg(0) == "consistent"
			hashTypeLine = d
		case "mode":
			if d.Arg(0) != "http" {
				im.fragment("backend mode", path, d)
			}
		case "option":
			switch d.Arg(0) {
			case "httpchk":
				active = &ir.ActiveHealthCheck{Path: "/"}
				switch args := d.Args(); len(args) {
				case 1:
				case 2:
					active.Path = args[1]
				default:
					active.Path = args[2]
					if args[1] != "GET" {
						im.lossy(capability.UpstreamActiveHealth, path, d, "checks are sent with GET instead of %s", args[1])
					}
				}
			case "redispatch":
			default:
				im.fragment("backend option", path, d)
			}
		case "http-check":
			if d.Arg(0) != "expect" {
				im.fragment("http-check", path, d)
				continue
			}
			var ok bool
			statuses, ok = expectedStatuses(d.Arg(1), d.Arg(2))
			if !ok {
				im.lossy(capability.UpstreamActiveHealth, path, d, "check expectation %s dropped", d.ArgString())
			}
		case "timeout":
			v, ok := duration(d, d.Arg(1))
			if !ok {
				continue
			}
			switch d.Arg(0) {
			case "connect":
				timeout.Connect = v
			case "server":
				timeout.Request = v
			case "check":
				checkTimeout = v
			case "tunnel":
				ws = &ir.WebSocket{Enabled: true}
				if def, _ := parseTime(defaultTunnelTimeout); v != def {
					ws.IdleTimeout = v
				}
			default:
				im.fragment("backend timeout", path, d)
			}
		case "retries":
			n, err := strconv.Atoi(d.Arg(0))
			if err != nil || n < 0 {
				im.parseFailed(path, d, "invalid retries "+d.Arg(0))
				continue
			}
			if n > 10 {
				im.lossy(capability.Retry, path, d, "%d retries read as 10", n)
				n = 10
			}
			retries = n
		case "retry-on":
			retryOn, retryOnLine = d.Args(), d
		case "default-server":
			defaults = d.Args()
		case "server":
			servers = append(servers, d)
		case "stick-table":
			im.stickTable(b, d, path)
		default:
			im.fragment("backend "+d.Name(), path, d)
		}
	}
	if up.Algorithm == ir.ConsistentHash && !consistent {
		im.ctx.Lossy(capability.UpstreamConsistentHash, path, b.d.Line, "map-based hashing read as consistent hashing")
	} else if up.Algorithm != ir.ConsistentHash && hashTypeLine != nil {
		im.lossy(capability.UpstreamConsistentHash, path, hashTypeLine, "hash-type only applies to hashing algorithms, ignored")
	}

	if len(servers) == 0 {
		if b.table == "" {
			im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Line: b.d.Line, Path: path, Msg: "backend " + b.name + " has no servers"})
		}
		return
	}
	var first map[string]string
	var firstDir *xlate.Directive
	weighted := false
	for _, d := range servers {
		if len(d.Args()) < 2 {
			im.parseFailed(path, d, "server needs a name and an address")
			continue
		}
		own := d.Args()[2:]
		params := serverParams(append(append([]string{}, defaults...), own...))
		if _, ok := params["backup"]; ok {
			im.lossy(capability.UpstreamMultipleTargets, path, d, "backup server %s dropped", d.Arg(0))
			continue
		}
		if _, ok := params["disabled"]; ok {
			im.lossy(capability.UpstreamMultipleTargets, path, d, "disabled server %s dropped", d.Arg(0))
			continue
		}
		host, port, err := xlate.ParseAddress(d.Arg(1), 80)
		if err != nil {
			im.parseFailed(path, d, err.Error())
			continue
		}
		t := ir.Target{Host: host, Port: port}
		if _, ok := params["weight"]; ok {
			w, ok := im.intParam(params, "weight", path, d)
			if !ok {
				continue
			}
			if w == 0 {
				im.lossy(capability.UpstreamWeighted, path, d, "drained server %s (weight 0) dropped", d.Arg(0))
				continue
			}
			if w > maxServerWeight {
				im.parseFailed(path, d, "invalid server parameter weight "+params["weight"])
				continue
			}
			t.Weight = w
			weighted = true
		}
		for _, p := range unknownParams(own) {
			im.lossy("", path, d, "server parameter %s dropped", p)
		}
		if first == nil {
			first, firstDir = params, d
		}
		up.Targets = append(up.Targets, t)
	}
	if len(up.Targets) == 0 {
		return
	}
	if weighted {
		if up.Algorithm == ir.RoundRobin {
			up.Algorithm = ir.Weighted
			xlate.CollapseWeights(up)
		} else {
			if up.HasWeights() {
				im.ctx.Lossy(capability.AlgorithmFeature(up.Algorithm), path, b.d.Line, "server weights dropped, %s ignores them", up.Algorithm)
			}
			for i := range up.Targets {
				up.Targets[i].Weight = 0
			}
		}
	}

	b.protocol = "http"
	if _, ok := first["ssl"]; ok {
		b.protocol = "https"
	} else if first["proto"] == "h2" {
		b.protocol = "grpc"
	}

	hc := &ir.HealthCheck{}
	_, checked := first["check"]
	if active != nil {
		if !checked {
			im.ctx.Lossy(capability.UpstreamActiveHealth, path, b.d.Line, "servers are not checked, option httpchk dropped")
		} else {
			active.ExpectedStatuses = statuses
			active.Timeout = checkTimeout
			active.Interval, _ = im.timeParam(first, "inter", path, firstDir)
			active.UnhealthyThreshold, _ = im.intParam(first, "fall", path, firstDir)
			active.HealthyThreshold, _ = im.intParam(first, "rise", path, firstDir)
			hc.Active = active
		}
	}
	if mode, ok := first["observe"]; ok {
		if mode == "layer7" && first["on-error"] == "mark-down" {
			n, err := strconv.Atoi(first["error-limit"])
			if err != nil || n <= 0 {
				n = 10
			}
			hc.Passive = &ir.PassiveHealthCheck{MaxFailures: n}
			hc.Passive.EjectionTime, _ = im.timeParam(first, "downinter", path, firstDir)
		} else {
			im.ctx.Lossy(capability.UpstreamPassiveHealth, path, b.d.Line, "observe %s without on-error mark-down dropped", mode)
		}
	}
	if hc.Active != nil || hc.Passive != nil {
		up.HealthCheck = hc
	}
	b.up = up

	if timeout != (ir.Timeout{}) {
		b.settings = append(b.settings, &timeout)
	}
	if ws != nil {
		b.settings = append(b.settings, ws)
	}
	if retry := im.retry(retries, retryOn, retryOnLine, path); retry != nil {
		b.settings = append(b.settings, retry)
	}
	cb := &ir.CircuitBreaker{}
	cb.MaxConnections, _ = im.intParam(first, "maxconn", path, firstDir)
	cb.MaxPendingRequests, _ = im.intParam(first, "maxqueue", path, firstDir)
	if cb.MaxConnections > 0 || cb.MaxPendingRequests > 0 {
		b.settings = append(b.settings, cb)
	}
}

// intParam reads a non-negative integer server parameter. A missing
// parameter is zero, a malformed one is reported and read as zero.
func (im *importer) intParam(params map[string]string, key, path string, d *xlate.Directive) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		im.parseFailed(path, d, "invalid server parameter "+key+" "+v)
		return 0, false
	}
	return n, true
}

func (im *importer) timeParam(params map[string]string, key, path string, d *xlate.Directive) (values.Duration, bool) {
	v, ok := params[key]
	if !ok {
		return 0, true
	}
	t, err := parseTime(v)
	if err != nil {
		im.parseFailed(path, d, "invalid server parameter "+key+" "+v)
		return 0, false
	}
	return t, true
}

// expectedStatuses reads "status <code>" and "rstatus ^(a|b)$".
func expectedStatuses(kind, pattern string) ([]int, bool) {
	switch kind {
	case "status":
		n, err := strconv.Atoi(pattern)
		return []int{n}, err == nil
	case "rstatus":
		if !strings.HasPrefix(pattern, "^(") || !strings.HasSuffix(pattern, ")$") {
			return nil, false
		}
		var out []int
		for _, c := range strings.Split(pattern[2:len(pattern)-2], "|") {
			n, err := strconv.Atoi(c)
			if err != nil {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	}
	return nil, false
}

func (im *importer) retry(retries int, retryOn []string, d *xlate.Directive, path string) *ir.Retry {
	if retries == 0 || (len(retryOn) == 1 && retryOn[0] == "none") {
		return nil
	}
	if retries < 0 {
		if d != nil {
			im.lossy(capability.Retry, path, d, "retry-on without retries, haproxy retries 3 times")
		}
		if len(retryOn) == 0 {
			return nil
		}
		retries = 3
	}
	r := &ir.Retry{Attempts: retries}
	if len(retryOn) == 0 {
		r.RetryOn = []string{"connect-failure"}
		return r
	}
	conds, leftover := retryConditions(retryOn)
	if len(leftover) > 0 {
		im.lossy(capability.Retry, path, d, "retry-on %s dropped", strings.Join(leftover, " "))
	}
	if len(conds) == 0 {
		return nil
	}
	if !slices.Equal(conds, ir.DefaultRetryOn) {
		r.RetryOn = conds
	}
	return r
}

// stickTable reads the period of the http_req_rate counter of a rate
// limit table.
func (im *importer) stickTable(b *backendBlock, d *xlate.Directive, path string) {
	args := d.Args()
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "type":
			b.table = args[i+1]
		case "store":
			for _, counter := range strings.Split(args[i+1], ",") {
				if p, ok := fetchArg(counter, "http_req_rate"); ok {
					v, err := parseTime(p)
					if err != nil {
						im.parseFailed(path, d, "invalid period "+p)
						continue
					}
					b.period = v.Std()
				}
			}
		}
	}
}

func (im *importer) finish() {
	for _, name := range im.backendOrder {
		b := im.backends[name]
		if !b.used {
			im.ctx.Lossy("", "backend "+name, b.d.Line, "backend %s is not used by any route, dropped", name)
			continue
		}
		if !b.attached || len(b.settings) == 0 {
			continue
		}
		if svc := im.ctx.Builder.Lookup(xlate.SanitizeName(name)); svc != nil && len(svc.Routes) > 0 {
			svc.Routes[0].Policies = append(svc.Routes[0].Policies, b.settings...)
		}
	}
	for _, name := range im.userlistOrder {
		if ul := im.userlists[name]; !ul.used {
			im.ctx.Lossy(capability.AuthBasic, "userlist "+name, ul.d.Line, "userlist %s is not used by any route, dropped", name)
		}
	}
}
