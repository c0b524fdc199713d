package azureapim

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/gwxlate/pkg/values"
)

const (
	TemplateFile = "azuredeploy.json"
	OpenAPIFile  = "openapi.json"
)

const (
	templateSchema  = "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#"
	apiVersion      = "2023-05-01-preview"
	serviceParam    = "serviceName"
	apiName         = "gateway"
	policyName      = "policy"
	breakerRuleName = "gwxlate"
	breakerInterval = "PT1M"

	typeService         = "Microsoft.ApiManagement/service"
	typeBackend         = "Microsoft.ApiManagement/service/backends"
	typeAPI             = "Microsoft.ApiManagement/service/apis"
	typeAPIPolicy       = "Microsoft.ApiManagement/service/apis/policies"
	typeOperationPolicy = "Microsoft.ApiManagement/service/apis/operations/policies"

	extRoute = "x-gwxlate-route"
	extOrder = "x-gwxlate-order"

	wildcard     = "/*"
	weightsInfix = "__weights"
	memberInfix  = "__t"

	defaultTripDuration = 30 * time.Second
)

// anyMethods are the operations written for a route that matches every
// method.
var anyMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

type template struct {
	Schema         string               `json:"$schema"`
	ContentVersion string               `json:"contentVersion"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
	Parameters     map[string]parameter `json:"parameters"`
	Resources      []*resource          `json:"resources"`
}

type parameter struct {
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type resource struct {
	Type       string   `json:"type"`
	APIVersion string   `json:"apiVersion"`
	Name       string   `json:"name"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Properties any      `json:"properties"`
}

type backendProps struct {
	Description    string          `json:"description,omitempty"`
	Type           string          `json:"type,omitempty"`
	URL            string          `json:"url,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Pool           *pool           `json:"pool,omitempty"`
	CircuitBreaker *circuitBreaker `json:"circuitBreaker,omitempty"`
}

const (
	backendSingle = "Single"
	backendPool   = "Pool"
)

type pool struct {
	Services []poolMember `json:"services"`
}

type poolMember struct {
	ID       string `json:"id"`
	Weight   *int   `json:"weight,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type circuitBreaker struct {
	Rules []breakerRule `json:"rules"`
}

type breakerRule struct {
	Name             string           `json:"name"`
	FailureCondition failureCondition `json:"failureCondition"`
	TripDuration     string           `json:"tripDuration"`
	AcceptRetryAfter bool             `json:"acceptRetryAfter,omitempty"`
}

type failureCondition struct {
	Count            int           `json:"count,omitempty"`
	Percentage       int           `json:"percentage,omitempty"`
	Interval         string        `json:"interval"`
	StatusCodeRanges []statusRange `json:"statusCodeRanges,omitempty"`
	ErrorReasons     []string      `json:"errorReasons,omitempty"`
}

type statusRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type apiProps struct {
	DisplayName          string   `json:"displayName"`
	Description          string   `json:"description,omitempty"`
	Path                 string   `json:"path"`
	Protocols            []string `json:"protocols"`
	SubscriptionRequired bool     `json:"subscriptionRequired"`
	ServiceURL           string   `json:"serviceUrl,omitempty"`
	Format               string   `json:"format,omitempty"`
	Value                string   `json:"value,omitempty"`
}

type policyProps struct {
	Format string `json:"format"`
	Value  string `json:"value"`
}

// armName builds the name expression of a child resource of the
// service instance.
func armName(segments ...string) string {
	return fmt.Sprintf("[concat(parameters('%s'), '/%s')]", serviceParam, strings.Join(segments, "/"))
}

// resourceID builds a resourceId expression.
func resourceID(typ string, segments ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[resourceId('%s', parameters('%s')", typ, serviceParam)
	for _, s := range segments {
		b.WriteString(", '" + s + "'")
	}
	b.WriteString(")]")
	return b.String()
}

// nameSegments reads the segments below the service instance from a
// resource name or id. It accepts the expressions written by armName and
// resourceID, plain "service/child" names and "/backends/name" ids.
func nameSegments(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var lits []string
		rest := s
		for {
			i := strings.Index(rest, "'")
			if i < 0 {
				break
			}
			j := strings.Index(rest[i+1:], "'")
			if j < 0 {
				break
			}
			lits = append(lits, rest[i+1:i+1+j])
			rest = rest[i+j+2:]
		}
		var segs []string
		for _, lit := range lits {
			if strings.HasPrefix(lit, "Microsoft.") || lit == serviceParam {
				continue
			}
			for _, seg := range strings.Split(lit, "/") {
				if seg != "" {
					segs = append(segs, seg)
				}
			}
		}
		return segs
	}
	if strings.HasPrefix(s, "/") {
		parts := strings.Split(strings.Trim(s, "/"), "/")
		return parts[len(parts)-1:]
	}
	parts := strings.Split(s, "/")
	if len(parts) > 1 {
		return parts[1:]
	}
	return parts
}

// memberBackendName names the single URL backend of one target of a
// pooled upstream.
func memberBackendName(upstream string, i int) string {
	return upstream + memberInfix + strconv.Itoa(i+1)
}

func weightPoolName(route string) string {
	return route + weightsInfix
}

func operationID(route, method string, wild bool) string {
	id := route + "-" + strings.ToLower(method)
	if wild {
		id += "-wildcard"
	}
	return id
}

// isoDuration formats d as an ISO 8601 duration in whole seconds.
func isoDuration(d values.Duration) string {
	secs := d.WholeSeconds()
	if secs <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("PT")
	if h := secs / 3600; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m := secs % 3600 / 60; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s := secs % 60; s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}

var isoDurationRE = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

func parseISODuration(s string) (values.Duration, error) {
	m := isoDurationRE.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}
	var d time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute} {
		if m[i+1] != "" {
			n, _ := strconv.Atoi(m[i+1])
			d += time.Duration(n) * unit
		}
	}
	if m[4] != "" {
		f, _ := strconv.ParseFloat(m[4], 64)
		d += time.Duration(f * float64(time.Second))
	}
	return values.Duration(d), nil
}

// node is a policy document element. Policies mix a fixed set of
// elements with free-form C# expressions, a generic tree keeps unknown
// elements intact.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []*node    `xml:",any"`
	Text     string     `xml:",chardata"`
}

// el creates an element with attributes given as name/value pairs.
// Attributes with an empty value are left out.
func el(name string, attrs ...string) *node {
	n := &node{XMLName: xml.Name{Local: name}}
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i+1] != "" {
			n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
		}
	}
	return n
}

func textEl(name, text string, attrs ...string) *node {
	n := el(name, attrs...)
	n.Text = text
	return n
}

// add appends the non-nil children and returns n.
func (n *node) add(children ...*node) *node {
	for _, c := range children {
		if c != nil {
			n.Children = append(n.Children, c)
		}
	}
	return n
}

func (n *node) name() string { return n.XMLName.Local }

func (n *node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.name() == name {
			return c
		}
	}
	return nil
}

// texts returns the text of every child named name.
func (n *node) texts(name string) []string {
	if n == nil {
		return nil
	}
	var out []string
	for _, c := range n.Children {
		if c.name() == name {
			out = append(out, c.Text)
		}
	}
	return out
}

func (n *node) String() string {
	out, err := xml.Marshal(n)
	if err != nil {
		return "<" + n.name() + ">"
	}
	return string(out)
}

func renderPolicy(root *node) (string, error) {
	out, err := xml.MarshalIndent(root, "", "    ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parsePolicy(text string) (*node, error) {
	root := &node{}
	if err := xml.Unmarshal([]byte(text), root); err != nil {
		return nil, err
	}
	if root.name() != "policies" {
		return nil, fmt.Errorf("root element is %q, want policies", root.name())
	}
	return root, nil
}
