package nginx

import (
	"math"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/jxskiss/gwxlate/pkg/capability"
	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// maxMapChain bounds how many maps a rules split may chain.
const maxMapChain = 16

type importer struct {
	ctx  *xlate.ImportContext
	art  *xlate.Artifact
	file string

	upstreams   map[string]*upstreamBlock
	order       []*upstreamBlock
	zones       map[string]*limitZone
	maps        map[string]*mapBlock
	mapOrder    []*mapBlock
	splits      map[string]*splitBlock
	splitOrder  []*splitBlock
	mirrors     map[string]*mirrorLocation
	mirrorOrder []*mirrorLocation
	jsonFormats map[string]bool

	// max_conns of the upstream a service was built from
	breakers  map[string]int
	listening bool
}

type upstreamBlock struct {
	name string
	d    *xlate.Directive

	up       *ir.Upstream
	maxConns int
	parsed   bool
	used     bool
}

type limitZone struct {
	key  string
	rate values.Rate
}

type mapBlock struct {
	source  string
	name    string
	entries [][2]string
	def     string
	d       *xlate.Directive
	used    bool
}

type splitEntry struct {
	percent float64
	rest    bool // the "*" entry
	value   string
}

type splitBlock struct {
	name    string
	entries []splitEntry
	d       *xlate.Directive
	used    bool
}

type mirrorLocation struct {
	uri  string
	d    *xlate.Directive
	used bool
}

// passTarget is what the argument of proxy_pass resolves to.
type passTarget struct {
	service  string
	protocol string
	up       *ir.Upstream
	split    *ir.TrafficSplit
}

// Import reads an nginx.conf. Password files and Lua handlers referenced
// by the configuration are looked up among the other artifact files.
func Import(ctx *xlate.ImportContext, art *xlate.Artifact) {
	f, ok := art.File(ConfigFile)
	if !ok {
		f = art.Primary()
	}
	dirs, errs := xlate.ParseBlocks(f.Name, f.Content)
	for _, err := range errs {
		ctx.ParseFailed(err)
	}
	im := &importer{
		ctx:         ctx,
		art:         art,
		file:        f.Name,
		upstreams:   make(map[string]*upstreamBlock),
		zones:       make(map[string]*limitZone),
		maps:        make(map[string]*mapBlock),
		splits:      make(map[string]*splitBlock),
		mirrors:     make(map[string]*mirrorLocation),
		jsonFormats: make(map[string]bool),
		breakers:    make(map[string]int),
	}
	var http []*xlate.Directive
	for _, d := range dirs {
		switch d.Name() {
		case "http":
			http = append(http, d.Block...)
		case "error_log":
			im.errorLog(d)
		case "server", "upstream", "map", "split_clients", "limit_req_zone":
			// a file holding only http-level statements
			http = append(http, d)
		default:
			if !boilerplate[d.Name()] {
				im.unrecognized("directive "+d.Name(), "", d)
			}
		}
	}
	im.readHTTP(http)
	im.finish()
}

func (im *importer) unrecognized(kind, path string, d *xlate.Directive) {
	im.ctx.Unrecognized(xlate.RawFragment{Kind: kind, Path: path, Line: d.Line, Text: d.Text()})
}

func (im *importer) parseFailed(path string, line int, msg string, err error) {
	im.ctx.ParseFailed(&xlate.ParseError{File: im.file, Path: path, Line: line, Msg: msg, Err: err})
}

var errorLevels = map[string]string{
	"debug": "debug", "info": "info", "notice": "info",
	"warn": "warn", "error": "error", "crit": "error", "alert": "error", "emerg": "error",
}

func (im *importer) errorLog(d *xlate.Directive) {
	g := &im.ctx.Builder.Global
	g.Logging.Enabled = true
	level := d.Arg(1)
	if level == "" {
		return
	}
	mapped, ok := errorLevels[level]
	if !ok {
		im.parseFailed("error_log", d.Line, "invalid log level "+level, nil)
		return
	}
	if mapped != level {
		im.ctx.Lossy(capability.GlobalLogging, "error_log", d.Line, "log level %s imported as %s", level, mapped)
	}
	g.Logging.Level = mapped
}

func (im *importer) readHTTP(dirs []*xlate.Directive) {
	var servers, accessLogs []*xlate.Directive
	for _, d := range dirs {
		switch d.Name() {
		case "upstream":
			name := d.Arg(0)
			ub := &upstreamBlock{name: name, d: d}
			if _, dup := im.upstreams[name]; dup {
				im.parseFailed("http.upstream "+name, d.Line, "duplicate upstream "+name, nil)
				continue
			}
			im.upstreams[name] = ub
			im.order = append(im.order, ub)
		case "limit_req_zone":
			im.readZone(d)
		case "map":
			im.readMap(d)
		case "split_clients":
			im.readSplitClients(d)
		case "log_format":
			for _, a := range params(d) {
				if a == "escape=json" {
					im.jsonFormats[d.Arg(0)] = true
				}
			}
		case "access_log":
			accessLogs = append(accessLogs, d)
		case "proxy_read_timeout":
			t, err := parseTime(d.Arg(0))
			if err != nil {
				im.parseFailed("http.proxy_read_timeout", d.Line, "invalid timeout", err)
				continue
			}
			im.ctx.Builder.Global.Timeout = t
		case "server":
			servers = append(servers, d)
		default:
			if !boilerplate[d.Name()] {
				im.unrecognized("http "+d.Name(), "http", d)
			}
		}
	}
	for _, d := range accessLogs {
		im.accessLog(d)
	}
	for _, s := range servers {
		for _, l := range s.FindAll("location") {
			if l.Find("internal") != nil && len(l.Args()) == 2 && l.Arg(0) == "=" {
				m := &mirrorLocation{uri: l.Arg(1), d: l}
				im.mirrors[m.uri] = m
				im.mirrorOrder = append(im.mirrorOrder, m)
			}
		}
	}
	for _, s := range servers {
		if isStatusServer(s) {
			im.statusServer(s)
		} else {
			im.readServer(s)
		}
	}
}

func (im *importer) accessLog(d *xlate.Directive) {
	if d.Arg(0) == "off" {
		return
	}
	g := &im.ctx.Builder.Global
	g.Logging.Enabled = true
	if d.Arg(0) != defaultAccessLog {
		g.Logging.AccessLog = d.Arg(0)
	}
	g.Logging.Format = "text"
	if im.jsonFormats[d.Arg(1)] {
		g.Logging.Format = "json"
	}
}

func (im *importer) readZone(d *xlate.Directive) {
	path := "http.limit_req_zone"
	z := &limitZone{key: d.Arg(0)}
	name := ""
	for _, a := range params(d) {
		switch {
		case strings.HasPrefix(a, "zone="):
			name, _, _ = strings.Cut(strings.TrimPrefix(a, "zone="), ":")
		case strings.HasPrefix(a, "rate="):
			r, err := values.ParseRate(strings.TrimPrefix(a, "rate="))
			if err != nil {
				im.parseFailed(path, d.Line, "invalid rate", err)
				return
			}
			z.rate = r
		}
	}
	if name == "" || z.rate == 0 {
		im.parseFailed(path, d.Line, "limit_req_zone needs a zone and a rate", nil)
		return
	}
	im.zones[name] = z
}

func (im *importer) readMap(d *xlate.Directive) {
	m := &mapBlock{source: d.Arg(0), name: d.Arg(1), d: d}
	if len(d.Args()) != 2 || !strings.HasPrefix(m.name, "$") {
		im.unrecognized("map", "http.map", d)
		return
	}
	for _, e := range d.Block {
		switch e.Name() {
		case "default":
			m.def = e.Arg(0)
		case "hostnames", "volatile":
		case "include":
			im.unrecognized("map include", "http.map "+m.name, e)
		default:
			m.entries = append(m.entries, [2]string{e.Name(), e.Arg(0)})
		}
	}
	im.maps[m.name] = m
	im.mapOrder = append(im.mapOrder, m)
}

func (im *importer) readSplitClients(d *xlate.Directive) {
	path := "http.split_clients " + d.Arg(1)
	s := &splitBlock{name: d.Arg(1), d: d}
	for _, e := range d.Block {
		if e.Name() == "*" {
			s.entries = append(s.entries, splitEntry{rest: true, value: e.Arg(0)})
			continue
		}
		p, ok := parsePercent(e.Name())
		if !ok {
			im.parseFailed(path, e.Line, "invalid percentage "+e.Name(), nil)
			return
		}
		s.entries = append(s.entries, splitEntry{percent: p, value: e.Arg(0)})
	}
	if d.Arg(0) != "$request_id" {
		im.ctx.Lossy("", path, d.Line, "clients split on %s, imported as a random split", d.Arg(0))
	}
	im.splits[s.name] = s
	im.splitOrder = append(im.splitOrder, s)
}

// isStatusServer tells whether every location of s only serves
// stub_status.
func isStatusServer(s *xlate.Directive) bool {
	locations := s.FindAll("location")
	for _, l := range locations {
		if l.Find("stub_status") == nil {
			return false
		}
	}
	return len(locations) > 0
}

func (im *importer) statusServer(s *xlate.Directive) {
	port := 0
	if l := s.Find("listen"); l != nil {
		_, p, err := listenAddress(l.Arg(0))
		if err != nil {
			im.parseFailed("server.listen", l.Line, "invalid listen address", err)
			return
		}
		port = p
	}
	g := &im.ctx.Builder.Global
	for _, l := range s.FindAll("location") {
		if l.Arg(0) == "=" {
			g.Metrics = ir.Metrics{Enabled: true, Path: l.Arg(1), Port: port}
		} else {
			g.AdminPort = port
		}
	}
}

func listenAddress(addr string) (string, int, error) {
	if port, err := strconv.Atoi(addr); err == nil {
		return "", port, nil
	}
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, err
	}
	if host == "*" {
		host = ""
	}
	return host, port, nil
}

func (im *importer) readServer(s *xlate.Directive) {
	for _, d := range s.Block {
		switch d.Name() {
		case "listen":
			im.listen(d)
		case "location":
			im.location(d)
		case "server_name", "http2":
		default:
			im.unrecognized("server "+d.Name(), "server", d)
		}
	}
}

func (im *importer) listen(d *xlate.Directive) {
	host, port, err := listenAddress(d.Arg(0))
	if err != nil {
		im.parseFailed("server.listen", d.Line, "invalid listen address "+d.Arg(0), err)
		return
	}
	for _, p := range params(d) {
		switch p {
		case "default_server", "http2", "reuseport":
		default:
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "listen parameter", Path: "server.listen", Line: d.Line, Text: p})
		}
	}
	g := &im.ctx.Builder.Global
	if im.listening {
		if host != g.Host || port != g.Port {
			im.ctx.Lossy("", "server.listen", d.Line, "gateway listens on one address, %s ignored", d.Arg(0))
		}
		return
	}
	im.listening = true
	g.Host, g.Port = host, port
}

// locationReader collects the statements of one location before they
// are mapped to a route.
type locationReader struct {
	im   *importer
	d    *xlate.Directive
	path string

	name    string
	match   ir.PathMatch
	methods values.MethodSet
	pp      string
	pass    string

	limitReq   *xlate.Directive
	authBasic  *xlate.Directive
	authFile   string
	apiKeyVar  string
	preflight  bool
	addHeaders []*xlate.Directive
	hidden     []string
	setHeaders []ir.Header
	websocket  bool
	luaFile    string
	mirrorURI  string

	connect, read, send values.Duration
	nextUpstream        []string
	tries               *xlate.Directive
}

func (im *importer) location(d *xlate.Directive) {
	path := "server.location " + d.ArgString()
	args := d.Args()
	if d.Find("internal") != nil {
		if len(args) != 2 || im.mirrors[args[1]] == nil {
			im.unrecognized("internal location", path, d)
		}
		return
	}
	r := &locationReader{im: im, d: d, path: path}
	switch {
	case len(args) == 2 && args[0] == "=":
		r.match = ir.PathMatch{Kind: ir.MatchExact, Value: args[1]}
	case len(args) == 2 && args[0] == "~":
		r.match = ir.PathMatch{Kind: ir.MatchRegex, Value: args[1]}
	case len(args) == 2 && args[0] == "~*":
		r.match = ir.PathMatch{Kind: ir.MatchRegex, Value: "(?i)" + args[1]}
		im.ctx.Lossy(capability.RouteMatchRegex, path, d.Line, "case-insensitive location imported as a (?i) regex")
	case len(args) == 2 && args[0] == "^~":
		r.match = ir.PathMatch{Kind: ir.MatchPrefix, Value: args[1]}
	case len(args) == 1 && !strings.HasPrefix(args[0], "@"):
		r.match = ir.PathMatch{Kind: ir.MatchPrefix, Value: args[0]}
	default:
		im.unrecognized("location", path, d)
		return
	}
	if d.Find("stub_status") != nil {
		if r.match.Kind == ir.MatchExact {
			im.ctx.Builder.Global.Metrics = ir.Metrics{Enabled: true, Path: r.match.Value}
		} else {
			im.unrecognized("status location", path, d)
		}
		return
	}
	for _, c := range d.Block {
		r.readDirective(c)
	}
	r.build()
}

func (r *locationReader) readDirective(d *xlate.Directive) {
	switch d.Name() {
	case "set":
		if d.Arg(0) == routeNameVar {
			r.name = d.Arg(1)
			return
		}
	case "limit_except":
		methods, err := values.ParseMethods(d.Args()...)
		if err != nil {
			r.im.parseFailed(r.path+".limit_except", d.Line, "invalid methods", err)
			return
		}
		r.methods = methods
		if len(d.Block) != 1 || d.Block[0].String() != "deny all" {
			r.im.ctx.Lossy(capability.RouteMethods, r.path+".limit_except", d.Line,
				"limit_except body other than deny all imported as a plain method restriction")
		}
		return
	case "limit_req":
		r.limitReq = d
		return
	case "auth_basic":
		if d.Arg(0) != "off" {
			r.authBasic = d
		}
		return
	case "auth_basic_user_file":
		r.authFile = d.Arg(0)
		return
	case "add_header":
		r.addHeaders = append(r.addHeaders, d)
		return
	case "access_by_lua_file":
		r.luaFile = d.Arg(0)
		return
	case "mirror":
		if d.Arg(0) != "off" {
			r.mirrorURI = d.Arg(0)
		}
		return
	case "mirror_request_body", "proxy_http_version":
		return
	case "if":
		if r.ifBlock(d) {
			return
		}
	default:
		if prefix, suffix, ok := strings.Cut(d.Name(), "_"); ok && (prefix == "proxy" || prefix == "grpc") {
			if r.proxy(prefix, suffix, d) {
				return
			}
		}
	}
	r.im.unrecognized("location "+d.Name(), r.path, d)
}

func (r *locationReader) ifBlock(d *xlate.Directive) bool {
	cond := condition(d)
	if len(cond) != 3 || cond[1] != "=" {
		return false
	}
	switch {
	case cond[0] == "$request_method" && cond[2] == "OPTIONS" && returnsStatus(d, "204"):
		r.preflight = true
		return true
	case cond[2] == "0" && returnsStatus(d, "401") && r.im.maps[cond[0]] != nil:
		r.apiKeyVar = cond[0]
		return true
	}
	return false
}

func (r *locationReader) proxy(prefix, suffix string, d *xlate.Directive) bool {
	dpath := r.path + "." + d.Name()
	duration := func() values.Duration {
		t, err := parseTime(d.Arg(0))
		if err != nil {
			r.im.parseFailed(dpath, d.Line, "invalid time "+d.Arg(0), err)
		}
		return t
	}
	switch suffix {
	case "pass":
		r.pp, r.pass = prefix, d.Arg(0)
	case "set_header":
		name, value := d.Arg(0), d.Arg(1)
		switch {
		case strings.EqualFold(name, "Upgrade") && value == "$http_upgrade",
			strings.EqualFold(name, "Connection") && (value == connectionUpgrade || strings.EqualFold(value, "upgrade")):
			r.websocket = true
		default:
			r.setHeaders = append(r.setHeaders, ir.Header{Name: name, Value: value})
		}
	case "hide_header":
		r.hidden = append(r.hidden, d.Arg(0))
	case "connect_timeout":
		r.connect = duration()
	case "read_timeout":
		r.read = duration()
	case "send_timeout":
		r.send = duration()
	case "next_upstream":
		r.nextUpstream = d.Args()
	case "next_upstream_tries":
		r.tries = d
	default:
		return false
	}
	return true
}

// policySet keeps at most one policy of each kind.
type policySet struct {
	im   *importer
	list []ir.Policy
	path string
	line int
}

func (ps *policySet) add(p ir.Policy) {
	if p == nil {
		return
	}
	for _, q := range ps.list {
		if q.Kind() == p.Kind() {
			ps.im.ctx.Lossy(capability.PolicyFeature(p), ps.path, ps.line,
				"location has more than one %s, the first is kept", p.Kind())
			return
		}
	}
	ps.list = append(ps.list, p)
}

func (r *locationReader) build() {
	im := r.im
	if r.pass == "" {
		im.unrecognized("location without proxy_pass", r.path, r.d)
		return
	}
	t := im.resolve(r.pass, r.path, r.d.Line)
	if t == nil {
		return
	}
	svc := im.ctx.Builder.Service(t.service, r.path)
	if len(svc.Upstream.Targets) == 0 {
		svc.Upstream = *t.up
		svc.Protocol = t.protocol
	}

	ps := &policySet{im: im, path: r.path, line: r.d.Line}
	ps.add(r.rateLimit())
	if r.authBasic != nil {
		ps.add(r.basicAuth())
	}
	if r.apiKeyVar != "" {
		ps.add(r.apiKey())
	}
	cors, response := r.cors()
	ps.add(cors)
	ps.add(r.headers(response))
	ps.add(r.timeout())
	ps.add(r.retry())
	ps.add(r.bodyTransform())
	if t.split != nil {
		ps.add(t.split)
	}
	ps.add(r.mirror())
	if r.websocket {
		ws := &ir.WebSocket{Enabled: true}
		if !r.read.IsZero() && r.send.IsZero() {
			ws.IdleTimeout = r.read
		}
		ps.add(ws)
	}

	name := r.name
	if name == "" {
		name = r.match.Value
	}
	im.ctx.Builder.AddRoute(t.service, &ir.Route{
		Name:     xlate.SanitizeName(name),
		Match:    r.match,
		Methods:  r.methods,
		Policies: ps.list,
	})
}

func protocolOf(scheme string) (string, bool) {
	switch scheme {
	case "http", "https":
		return scheme, true
	case "grpc", "grpcs":
		return "grpc", true
	}
	return "", false
}

// resolve maps a proxy_pass argument to a service. Variables are
// resolved through split_clients blocks and map chains to splits.
func (im *importer) resolve(pass, path string, line int) *passTarget {
	scheme, rest, ok := strings.Cut(pass, "://")
	protocol, known := protocolOf(scheme)
	if !ok || !known {
		im.parseFailed(path+".proxy_pass", line, "invalid proxy_pass "+pass, nil)
		return nil
	}
	if scheme == "grpcs" {
		im.ctx.Lossy("", path+".proxy_pass", line, "TLS to gRPC backends is not kept")
	}
	host := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host = rest[:i]
		im.ctx.Lossy("", path+".proxy_pass", line, "URI %s of proxy_pass dropped", rest[i:])
	}
	if strings.HasPrefix(host, "$") {
		var t *passTarget
		if s := im.splits[host]; s != nil {
			t = im.weightSplit(s, path)
		} else if m := im.maps[host]; m != nil {
			t = im.rulesSplit(m, path)
		} else {
			im.parseFailed(path+".proxy_pass", line, "variable "+host+" is not set by split_clients or map", nil)
		}
		if t != nil {
			t.protocol = protocol
		}
		return t
	}
	if ub := im.upstream(host); ub != nil {
		return &passTarget{service: im.baseService(ub), protocol: protocol, up: ub.up}
	}
	if _, ok := im.upstreams[host]; ok {
		return nil
	}
	h, port, err := xlate.ParseAddress(host, defaultPort(protocol))
	if err != nil {
		im.parseFailed(path+".proxy_pass", line, "invalid proxy_pass address", err)
		return nil
	}
	up := &ir.Upstream{Algorithm: ir.RoundRobin, Targets: []ir.Target{{Host: h, Port: port}}}
	return &passTarget{service: xlate.SanitizeName(h), protocol: protocol, up: up}
}

func defaultPort(protocol string) int {
	if protocol == "https" {
		return 443
	}
	return 80
}

// baseService marks ub as the upstream of a service and returns the
// service name.
func (im *importer) baseService(ub *upstreamBlock) string {
	name := xlate.SanitizeName(ub.name)
	if ub.maxConns > 0 {
		im.breakers[name] = ub.maxConns
	}
	return name
}

// splitMember reads a split_clients or map value naming a split target
// upstream. base is the service of a derived upstream name, or "".
func (im *importer) splitMember(value string) (target, base string, up *ir.Upstream) {
	ub := im.upstream(value)
	if ub == nil {
		return "", "", nil
	}
	svc, kind, sub := xlate.ParseUpstreamName(value)
	if kind == xlate.DerivedSplit {
		return xlate.SanitizeName(sub), svc, ub.up
	}
	return xlate.SanitizeName(value), "", ub.up
}

func (im *importer) weightSplit(s *splitBlock, path string) *passTarget {
	s.used = true
	spath := "http.split_clients " + s.name
	split := &ir.TrafficSplit{Mode: ir.SplitWeight}
	base, sameBase := "", true
	taken := 0.0
	for _, e := range s.entries {
		if !e.rest {
			taken += e.percent
		}
	}
	total := 0
	for _, e := range s.entries {
		target, svc, up := im.splitMember(e.value)
		if up == nil {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "split_clients member", Path: spath, Line: s.d.Line, Text: e.value})
			continue
		}
		if len(split.Targets) == 0 {
			base = svc
		} else if svc != base {
			sameBase = false
		}
		pct := e.percent
		if e.rest {
			pct = math.Max(0, 100-taken)
		}
		w := int(math.Round(pct))
		if math.Abs(pct-float64(w)) > 1e-9 {
			im.ctx.Lossy(capability.TrafficSplitWeight, spath, s.d.Line, "%v%% for %s rounded to %d", pct, target, w)
		}
		split.Targets = append(split.Targets, ir.SplitTarget{Name: target, Weight: w, Upstream: up})
		total += w
	}
	if len(split.Targets) == 0 {
		im.parseFailed(spath, s.d.Line, "split_clients "+s.name+" has no usable upstreams", nil)
		return nil
	}
	if total != 100 {
		xlate.NormalizeWeights(split.Targets, total)
		im.ctx.Lossy(capability.TrafficSplitWeight, spath, s.d.Line, "weights sum to %d, scaled to 100", total)
	}
	t := &passTarget{split: split}
	if ub := im.upstream(base); sameBase && base != "" && ub != nil {
		t.service, t.up = im.baseService(ub), ub.up
		return t
	}
	im.ctx.Lossy(capability.TrafficSplitWeight, path+".proxy_pass", s.d.Line,
		"split %s has no base upstream, target %s serves as the service upstream", s.name, split.Targets[0].Name)
	t.service = xlate.SanitizeName(strings.TrimSuffix(strings.TrimPrefix(s.name, "$"), "_upstream"))
	t.up = split.Targets[0].Upstream
	return t
}

// headerName maps a $http_ variable back to a header name.
func headerName(v string) (string, bool) {
	name, ok := strings.CutPrefix(v, "$http_")
	if !ok || name == "" {
		return "", false
	}
	name = textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
	if strings.EqualFold(name, ir.DefaultAPIKeyHeader) {
		return ir.DefaultAPIKeyHeader, true
	}
	return name, true
}

// rulesSplit reads a chain of maps, each falling back to the next by its
// default value, as a rules split. The default of the last map is the
// fallback target, or the service upstream itself.
func (im *importer) rulesSplit(m *mapBlock, path string) *passTarget {
	split := &ir.TrafficSplit{Mode: ir.SplitRules}
	base := ""
	addTarget := func(name, svc string, up *ir.Upstream) {
		if split.Target(name) == nil {
			split.Targets = append(split.Targets, ir.SplitTarget{Name: name, Upstream: up})
		}
		if base == "" {
			base = svc
		}
	}
	var last string
	for depth := 0; ; depth++ {
		mpath := "http.map " + m.name
		if depth == maxMapChain {
			im.parseFailed(mpath, m.d.Line, "map chain is too long", nil)
			return nil
		}
		m.used = true
		header, ok := headerName(m.source)
		if !ok {
			im.unrecognized("map source "+m.source, mpath, m.d)
			return nil
		}
		for _, e := range m.entries {
			if strings.HasPrefix(e[0], "~") {
				im.ctx.Lossy(capability.TrafficSplitRules, mpath, m.d.Line, "regex key %s skipped", e[0])
				continue
			}
			target, svc, up := im.splitMember(e[1])
			if up == nil {
				im.ctx.Unrecognized(xlate.RawFragment{Kind: "map value", Path: mpath, Line: m.d.Line, Text: e[0] + " " + e[1]})
				continue
			}
			addTarget(target, svc, up)
			split.Rules = append(split.Rules, ir.SplitRule{Header: header, Value: unescapeMapKey(e[0]), Target: target})
		}
		next := im.maps[m.def]
		if next == nil {
			last = m.def
			break
		}
		m = next
	}
	if len(split.Rules) == 0 {
		im.parseFailed(path+".proxy_pass", 0, "map chain has no usable rules", nil)
		return nil
	}
	svc, kind, sub := xlate.ParseUpstreamName(last)
	switch {
	case kind == xlate.DerivedSplit && im.upstream(last) != nil:
		target := xlate.SanitizeName(sub)
		addTarget(target, svc, im.upstreams[last].up)
		split.Fallback = target
	case last != "" && im.upstream(last) != nil:
		base = last
	}
	t := &passTarget{split: split}
	if ub := im.upstream(base); ub != nil {
		t.service, t.up = im.baseService(ub), ub.up
		return t
	}
	im.ctx.Lossy(capability.TrafficSplitRules, path+".proxy_pass", 0,
		"map chain has no base upstream, target %s serves as the service upstream", split.Targets[0].Name)
	t.service = xlate.SanitizeName(strings.TrimPrefix(m.name, "$"))
	t.up = split.Targets[0].Upstream
	return t
}

// upstream returns the parsed upstream block called name, or nil when
// there is none or it could not be read.
func (im *importer) upstream(name string) *upstreamBlock {
	ub := im.upstreams[name]
	if ub == nil {
		return nil
	}
	ub.used = true
	if !ub.parsed {
		ub.parsed = true
		ub.up = im.parseUpstream(ub)
	}
	if ub.up == nil {
		return nil
	}
	return ub
}

var hashKeys = map[string]ir.HashKey{
	"$remote_addr":        {Source: ir.HashIP},
	"$binary_remote_addr": {Source: ir.HashIP},
	"$request_uri":        {Source: ir.HashURI},
	"$uri":                {Source: ir.HashURI},
}

func hashKeyOf(v string) (ir.HashKey, bool) {
	if k, ok := hashKeys[v]; ok {
		return k, true
	}
	if name, ok := headerName(v); ok {
		return ir.HashKey{Source: ir.HashHeader, Name: name}, true
	}
	if name, ok := strings.CutPrefix(v, "$cookie_"); ok && name != "" {
		return ir.HashKey{Source: ir.HashCookie, Name: name}, true
	}
	if name, ok := strings.CutPrefix(v, "$arg_"); ok && name != "" {
		return ir.HashKey{Source: ir.HashQuery, Name: name}, true
	}
	return ir.HashKey{Source: ir.HashIP}, false
}

func (im *importer) parseUpstream(ub *upstreamBlock) *ir.Upstream {
	path := "http.upstream " + ub.name
	up := &ir.Upstream{Algorithm: ir.RoundRobin}
	weighted := false
	var passive *ir.PassiveHealthCheck
	for _, d := range ub.d.Block {
		switch d.Name() {
		case "least_conn":
			up.Algorithm = ir.LeastConnections
		case "hash":
			key, ok := hashKeyOf(d.Arg(0))
			if !ok {
				im.ctx.Lossy(capability.UpstreamConsistentHash, path, d.Line, "hash key %s imported as the client address", d.Arg(0))
			}
			if d.Arg(1) != "consistent" {
				im.ctx.Lossy(capability.UpstreamConsistentHash, path, d.Line, "modulo hashing imported as consistent hashing")
			}
			up.Algorithm, up.HashKey = ir.ConsistentHash, &key
		case "ip_hash":
			im.ctx.Lossy(capability.UpstreamConsistentHash, path, d.Line, "ip_hash imported as consistent hashing of the client address")
			up.Algorithm, up.HashKey = ir.ConsistentHash, &ir.HashKey{Source: ir.HashIP}
		case "server":
			t, hc, ok := im.server(ub, d)
			if !ok {
				continue
			}
			if t.Weight > 0 {
				weighted = true
			}
			if hc != nil {
				if passive == nil {
					passive = hc
				} else if hc.MaxFailures != passive.MaxFailures || hc.EjectionTime != passive.EjectionTime {
					im.ctx.Lossy(capability.UpstreamPassiveHealth, path, d.Line, "servers differ in max_fails or fail_timeout, the first server's are kept")
				}
			}
			up.Targets = append(up.Targets, t)
		default:
			im.unrecognized("upstream "+d.Name(), path, d)
		}
	}
	if len(up.Targets) == 0 {
		im.parseFailed(path, ub.d.Line, "upstream "+ub.name+" has no usable servers", nil)
		return nil
	}
	if passive != nil {
		up.HealthCheck = &ir.HealthCheck{Passive: passive}
	}
	if weighted {
		if up.Algorithm == ir.RoundRobin {
			up.Algorithm = ir.Weighted
			for i := range up.Targets {
				if up.Targets[i].Weight == 0 {
					up.Targets[i].Weight = 1
				}
			}
			xlate.CollapseWeights(up)
		} else {
			im.ctx.Lossy(capability.UpstreamWeighted, path, ub.d.Line, "server weights with %s dropped", up.Algorithm)
			for i := range up.Targets {
				up.Targets[i].Weight = 0
			}
		}
	}
	return up
}

func (im *importer) server(ub *upstreamBlock, d *xlate.Directive) (ir.Target, *ir.PassiveHealthCheck, bool) {
	path := "http.upstream " + ub.name + ".server " + d.Arg(0)
	host, port, err := xlate.ParseAddress(d.Arg(0), 80)
	if err != nil {
		im.parseFailed(path, d.Line, "invalid server address", err)
		return ir.Target{}, nil, false
	}
	t := ir.Target{Host: host, Port: port}
	var hc *ir.PassiveHealthCheck
	passive := func() *ir.PassiveHealthCheck {
		if hc == nil {
			hc = &ir.PassiveHealthCheck{MaxFailures: 1}
		}
		return hc
	}
	for _, p := range params(d) {
		key, value, _ := strings.Cut(p, "=")
		switch key {
		case "weight", "max_fails", "max_conns":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				im.parseFailed(path, d.Line, "invalid "+p, err)
				continue
			}
			switch key {
			case "weight":
				t.Weight = n
			case "max_fails":
				if n == 0 {
					// zero turns failure accounting off
					hc = nil
					continue
				}
				passive().MaxFailures = n
			case "max_conns":
				if ub.maxConns != 0 && ub.maxConns != n {
					im.ctx.Lossy(capability.CircuitBreaker, path, d.Line, "servers differ in max_conns, %d is kept", ub.maxConns)
				} else {
					ub.maxConns = n
				}
			}
		case "fail_timeout":
			ft, err := parseTime(value)
			if err != nil {
				im.parseFailed(path, d.Line, "invalid "+p, err)
				continue
			}
			passive().EjectionTime = ft
		case "down":
			im.ctx.Lossy("", path, d.Line, "server is marked down, skipped")
			return t, nil, false
		default:
			im.ctx.Lossy("", path, d.Line, "server parameter %s dropped", p)
		}
	}
	return t, hc, true
}

func (r *locationReader) rateLimit() ir.Policy {
	d := r.limitReq
	if d == nil {
		return nil
	}
	im := r.im
	path := r.path + ".limit_req"
	var zone string
	rl := &ir.RateLimit{}
	nodelay := false
	for _, a := range d.Args() {
		key, value, _ := strings.Cut(a, "=")
		switch key {
		case "zone":
			zone = value
		case "burst":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				im.parseFailed(path, d.Line, "invalid "+a, err)
				return nil
			}
			rl.Burst = n
		case "nodelay":
			nodelay = true
		default:
			im.ctx.Lossy(capability.RateLimitBurst, path, d.Line, "%s dropped", a)
		}
	}
	z := im.zones[zone]
	if z == nil {
		im.parseFailed(path, d.Line, "unknown limit_req zone "+zone, nil)
		return nil
	}
	rl.RequestsPerSecond = z.rate
	if rl.Burst > 0 && !nodelay {
		im.ctx.Lossy(capability.RateLimitBurst, path, d.Line, "burst requests are delayed, imported as an immediate burst")
	}
	switch {
	case z.key == "$binary_remote_addr" || z.key == "$remote_addr":
		rl.Key = ir.RateLimitByIP
	case z.key == "$remote_user":
		rl.Key = ir.RateLimitByConsumer
	case z.key == "$server_name":
		rl.Key = ir.RateLimitGlobal
	default:
		if name, ok := headerName(z.key); ok {
			rl.Key, rl.KeyName = ir.RateLimitByHeader, name
		} else {
			rl.Key = ir.RateLimitGlobal
			im.ctx.Lossy(capability.RateLimit, path, d.Line, "zone key %s imported as a global limit", z.key)
		}
	}
	return rl
}

func (r *locationReader) basicAuth() ir.Policy {
	im := r.im
	path := r.path + ".auth_basic"
	basic := &ir.BasicAuth{Realm: r.authBasic.Arg(0)}
	if basic.Realm == defaultRealm {
		basic.Realm = ""
	}
	auth := &ir.Authentication{Type: ir.AuthBasic, Basic: basic}
	if r.authFile == "" {
		im.ctx.Lossy(capability.AuthBasic, path, r.authBasic.Line, "auth_basic without a user file, no users imported")
		return auth
	}
	f, ok := im.art.File(r.authFile)
	if !ok {
		im.ctx.Lossy(capability.AuthBasic, path, r.authBasic.Line, "user file %s is not part of the artifact, no users imported", r.authFile)
		return auth
	}
	users, bad := xlate.ParseHtpasswd(f.Content)
	for _, line := range bad {
		im.ctx.ParseFailed(&xlate.ParseError{File: f.Name, Line: line, Msg: "user entry is not name:digest"})
	}
	for _, u := range users {
		basic.Users = append(basic.Users, ir.BasicUser{Username: u[0], Password: u[1]})
	}
	if len(users) > 0 {
		im.ctx.Lossy(capability.AuthBasic, path, r.authBasic.Line, "passwords are htpasswd digests, kept verbatim")
	}
	return auth
}

func (r *locationReader) apiKey() ir.Policy {
	im := r.im
	m := im.maps[r.apiKeyVar]
	m.used = true
	k := &ir.APIKeyAuth{}
	if name, ok := headerName(m.source); ok {
		k.Header = name
	} else if q, ok := strings.CutPrefix(m.source, "$arg_"); ok && q != "" {
		k.Query = q
	} else {
		im.unrecognized("api key source "+m.source, "http.map "+m.name, m.d)
		return nil
	}
	for _, e := range m.entries {
		if e[1] == m.def {
			continue
		}
		if strings.HasPrefix(e[0], "~") {
			im.ctx.Lossy(capability.AuthAPIKey, "http.map "+m.name, m.d.Line, "regex key %s skipped", e[0])
			continue
		}
		k.Keys = append(k.Keys, unescapeMapKey(e[0]))
	}
	return &ir.Authentication{Type: ir.AuthAPIKey, APIKey: k}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cors reads the Access-Control-* headers of a location. The other
// add_header statements are returned for the response header policy.
func (r *locationReader) cors() (ir.Policy, []*xlate.Directive) {
	im := r.im
	var origin *xlate.Directive
	for _, d := range r.addHeaders {
		if strings.EqualFold(d.Arg(0), "Access-Control-Allow-Origin") {
			origin = d
		}
	}
	if origin == nil {
		if r.preflight {
			im.ctx.Unrecognized(xlate.RawFragment{Kind: "location preflight", Path: r.path, Line: r.d.Line, Text: "if ($request_method = OPTIONS) { return 204; }"})
		}
		return nil, r.addHeaders
	}
	c := &ir.CORS{}
	var rest []*xlate.Directive
	varOrigin := strings.HasPrefix(origin.Arg(1), "$")
	for _, d := range r.addHeaders {
		name, value := d.Arg(0), d.Arg(1)
		switch strings.ToLower(name) {
		case "access-control-allow-origin":
			if m := im.maps[value]; varOrigin && m != nil {
				m.used = true
				for _, e := range m.entries {
					c.AllowOrigins = append(c.AllowOrigins, unescapeMapKey(e[0]))
				}
			} else {
				c.AllowOrigins = []string{value}
			}
		case "access-control-allow-methods":
			methods, err := values.ParseMethods(splitList(value)...)
			if err != nil {
				im.ctx.Lossy(capability.CORS, r.path+".add_header", d.Line, "%v, any method is allowed", err)
			} else if methods.Len() < len(values.AllMethods) {
				c.AllowMethods = methods
			}
		case "access-control-allow-headers":
			c.AllowHeaders = splitList(value)
		case "access-control-expose-headers":
			c.ExposeHeaders = splitList(value)
		case "access-control-allow-credentials":
			c.AllowCredentials = value == "true"
		case "access-control-max-age":
			n, err := strconv.Atoi(value)
			if err != nil {
				im.parseFailed(r.path+".add_header", d.Line, "invalid Access-Control-Max-Age", err)
				continue
			}
			c.MaxAge = values.Seconds(float64(n))
		case "vary":
			if varOrigin && value == "Origin" {
				continue
			}
			rest = append(rest, d)
		default:
			rest = append(rest, d)
		}
	}
	if len(c.AllowOrigins) == 0 {
		c.AllowOrigins = []string{"*"}
		im.ctx.Lossy(capability.CORS, r.path, origin.Line, "origin %s lists no values, imported as any origin", origin.Arg(1))
	}
	if !r.preflight {
		im.ctx.Lossy(capability.CORS, r.path, origin.Line, "preflight requests are proxied, imported as answered")
	}
	return c, rest
}

func (r *locationReader) headers(response []*xlate.Directive) ir.Policy {
	h := &ir.Headers{}
	for _, x := range r.setHeaders {
		if x.Value == "" {
			h.Request.Remove = append(h.Request.Remove, x.Name)
		} else {
			h.Request.Set = append(h.Request.Set, x)
		}
	}
	hidden := make(map[string]bool)
	for _, name := range r.hidden {
		hidden[strings.ToLower(name)] = true
	}
	added := make(map[string]bool)
	for _, d := range response {
		x := ir.Header{Name: d.Arg(0), Value: d.Arg(1)}
		if hidden[strings.ToLower(x.Name)] {
			h.Response.Set = append(h.Response.Set, x)
			added[strings.ToLower(x.Name)] = true
		} else {
			h.Response.Add = append(h.Response.Add, x)
		}
	}
	for _, name := range r.hidden {
		if !added[strings.ToLower(name)] {
			h.Response.Remove = append(h.Response.Remove, name)
		}
	}
	if h.Request.IsEmpty() && h.Response.IsEmpty() {
		return nil
	}
	return h
}

func (r *locationReader) timeout() ir.Policy {
	t := &ir.Timeout{Connect: r.connect}
	switch {
	case !r.read.IsZero() && !r.send.IsZero():
		t.Request = r.read
		if r.read != r.send {
			r.im.ctx.Lossy(capability.Timeout, r.path, r.d.Line, "read and send timeouts differ, %s is kept", r.read.Compact())
		}
	case !r.read.IsZero() && !r.websocket:
		t.Request = r.read
	case !r.send.IsZero():
		t.Request = r.send
	}
	if t.Connect.IsZero() && t.Request.IsZero() {
		return nil
	}
	return t
}

// retryConditions maps proxy_next_upstream tokens back to conditions.
// Groups are matched before the tokens they contain.
var retryConditions = []struct {
	tokens    []string
	condition string
}{
	{[]string{"http_500", "http_502", "http_503", "http_504"}, "5xx"},
	{[]string{"http_502", "http_503", "http_504"}, "gateway-error"},
	{[]string{"error"}, "connect-failure"},
	{[]string{"timeout"}, "timeout"},
	{[]string{"http_429"}, "retriable-4xx"},
}

func (r *locationReader) retry() ir.Policy {
	if r.nextUpstream == nil && r.tries == nil {
		return nil
	}
	im := r.im
	tokens := r.nextUpstream
	if tokens == nil {
		tokens = []string{"error", "timeout"}
	}
	have := make(map[string]bool)
	for _, t := range tokens {
		if t == "off" {
			return nil
		}
		have[t] = true
	}
	conds := []string{}
	for _, rc := range retryConditions {
		all := true
		for _, t := range rc.tokens {
			all = all && have[t]
		}
		if all {
			conds = append(conds, rc.condition)
			for _, t := range rc.tokens {
				delete(have, t)
			}
		}
	}
	for _, t := range tokens {
		if have[t] {
			im.ctx.Lossy(capability.Retry, r.path+"."+r.pp+"_next_upstream", r.d.Line, "condition %s dropped", t)
		}
	}
	if len(conds) == 0 {
		return nil
	}
	if isDefaultRetryOn(conds) {
		conds = nil
	}
	tries := 2
	if r.tries == nil {
		im.ctx.Lossy(capability.Retry, r.path, r.d.Line, "tries are not limited, imported as 1 attempt")
	} else {
		n, err := strconv.Atoi(r.tries.Arg(0))
		if err != nil || n < 0 {
			im.parseFailed(r.path+"."+r.tries.Name(), r.tries.Line, "invalid tries", err)
			return nil
		}
		if n == 1 {
			return nil
		}
		if n == 0 || n > 11 {
			im.ctx.Lossy(capability.Retry, r.path+"."+r.tries.Name(), r.tries.Line, "tries %d imported as 10 attempts", n)
			n = 11
		}
		tries = n
	}
	return &ir.Retry{Attempts: tries - 1, RetryOn: conds}
}

func isDefaultRetryOn(conds []string) bool {
	if len(conds) != len(ir.DefaultRetryOn) {
		return false
	}
	for _, c := range ir.DefaultRetryOn {
		found := false
		for _, x := range conds {
			found = found || x == c
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *locationReader) bodyTransform() ir.Policy {
	if r.luaFile == "" {
		return nil
	}
	im := r.im
	path := r.path + ".access_by_lua_file"
	f, ok := im.art.File(r.luaFile)
	if !ok {
		im.ctx.Lossy(capability.BodyTransform, path, r.d.Line, "Lua file %s is not part of the artifact", r.luaFile)
		return nil
	}
	var params xlate.BodyOpsParams
	_, found, err := xlate.DecodeSnippet(string(f.Content), xlate.OpenRestyLuaRequestBody.Name, &params)
	switch {
	case err != nil:
		im.ctx.ParseFailed(&xlate.ParseError{File: f.Name, Msg: "invalid body transform handler", Err: err})
		return nil
	case !found:
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "lua handler", Path: path, Line: r.d.Line, Text: xlate.Limit100(string(f.Content))})
		return nil
	}
	return &ir.BodyTransform{Request: params.Ops}
}

func (r *locationReader) mirror() ir.Policy {
	if r.mirrorURI == "" {
		return nil
	}
	im := r.im
	path := r.path + ".mirror"
	ml := im.mirrors[r.mirrorURI]
	if ml == nil {
		im.ctx.Unrecognized(xlate.RawFragment{Kind: "mirror", Path: path, Line: r.d.Line, Text: "mirror " + r.mirrorURI})
		return nil
	}
	ml.used = true
	pass := ml.d.Find("proxy_pass")
	if pass == nil {
		im.unrecognized("mirror location", path, ml.d)
		return nil
	}
	rest, ok := strings.CutPrefix(pass.Arg(0), "http://")
	if !ok {
		rest, ok = strings.CutPrefix(pass.Arg(0), "https://")
	}
	if !ok {
		im.parseFailed(path, pass.Line, "invalid mirror proxy_pass "+pass.Arg(0), nil)
		return nil
	}
	host := strings.TrimSuffix(rest, "$request_uri")
	if i := strings.IndexAny(host, "/$"); i >= 0 {
		im.ctx.Lossy(capability.Mirror, path, pass.Line, "mirror URI %s dropped", host[i:])
		host = host[:i]
	}
	ub := im.upstream(host)
	if ub == nil {
		im.parseFailed(path, pass.Line, "mirror upstream "+host+" is not defined", nil)
		return nil
	}
	name := xlate.SanitizeName(host)
	if _, kind, sub := xlate.ParseUpstreamName(host); kind == xlate.DerivedMirror {
		name = xlate.SanitizeName(sub)
	}
	pct := 100.0
	for _, d := range ml.d.FindAll("if") {
		cond := condition(d)
		if len(cond) != 3 || cond[1] != "=" || im.splits[cond[0]] == nil || !returnsStatus(d, "204") {
			im.unrecognized("mirror condition", path, d)
			continue
		}
		s := im.splits[cond[0]]
		s.used = true
		pct = sampled(s, cond[2])
	}
	p, err := values.NewPercentage(pct)
	if err != nil {
		im.parseFailed(path, ml.d.Line, "invalid mirror sample", err)
		return nil
	}
	return &ir.Mirror{Name: name, Upstream: *ub.up, SamplePercentage: p}
}

// sampled returns the share of a split_clients block whose value is
// not off.
func sampled(s *splitBlock, off string) float64 {
	taken, on := 0.0, 0.0
	for _, e := range s.entries {
		if e.rest {
			continue
		}
		taken += e.percent
		if e.value != off {
			on += e.percent
		}
	}
	for _, e := range s.entries {
		if e.rest && e.value != off {
			on += math.Max(0, 100-taken)
		}
	}
	return on
}

// finish attaches connection limits, then reports what no route used.
func (im *importer) finish() {
	for _, svc := range im.ctx.Builder.Services() {
		n := im.breakers[svc.Name]
		if n == 0 || len(svc.Routes) == 0 {
			continue
		}
		if first := svc.Routes[0]; first.Policy(ir.KindCircuitBreaker) == nil {
			first.Policies = append(first.Policies, &ir.CircuitBreaker{MaxConnections: n})
		}
	}
	for _, ub := range im.order {
		if !ub.used {
			im.ctx.Lossy("", "http.upstream "+ub.name, ub.d.Line, "upstream %s is not used by any location, skipped", ub.name)
		}
	}
	for _, m := range im.mapOrder {
		if !m.used && m.name != connectionUpgrade {
			im.unrecognized("map", "http.map "+m.name, m.d)
		}
	}
	for _, s := range im.splitOrder {
		if !s.used {
			im.unrecognized("split_clients", "http.split_clients "+s.name, s.d)
		}
	}
	for _, m := range im.mirrorOrder {
		if !m.used {
			im.unrecognized("internal location", "server.location = "+m.uri, m.d)
		}
	}
}
