package ir

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports one violated invariant at a field path such as
// "services[2].routes[0].rate_limit.requests_per_second".
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors is the error returned by NewTopology.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (es ValidationErrors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// Paths returns the paths of all errors, for tests and diagnostics.
func (es ValidationErrors) Paths() []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Path
	}
	return out
}

func (es *ValidationErrors) add(path, format string, args ...any) {
	*es = append(*es, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var identRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// IsIdent tells whether s can be used as a service, route or upstream
// name. Double underscores are reserved for derived names.
func IsIdent(s string) bool {
	return identRE.MatchString(s) && !strings.Contains(s, "__")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return IsIdent(fl.Field().String())
	})
	return v
}

// structErrors runs the tag-based validation on obj and converts failures
// to ValidationErrors rooted at prefix.
func structErrors(prefix string, obj any) ValidationErrors {
	err := validate.Struct(obj)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Path: prefix, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, &ValidationError{
			Path:    joinPath(prefix, trimRoot(fe.Namespace())),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func trimRoot(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ""
	}
	return rest
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	case strings.HasPrefix(path, "["):
		return prefix + path
	}
	return prefix + "." + path
}

func fieldMessage(fe validator.FieldError) string {
	isList := fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required when " + strings.Replace(fe.Param(), " ", " is ", 1)
	case "min":
		if isList {
			return "must have at least " + fe.Param() + " item(s)"
		}
		return "must be at least " + fe.Param()
	case "max":
		if isList {
			return "must have at most " + fe.Param() + " item(s)"
		}
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "ident":
		return fmt.Sprintf("%q is not a valid name", fmt.Sprint(fe.Value()))
	case "startswith":
		return "must start with " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "nefield":
		return "must differ from " + fe.Param()
	case "excludes":
		return "must not contain " + fe.Param()
	case "hostname_rfc1123|ip":
		return fmt.Sprintf("%q is not a valid host name or IP", fmt.Sprint(fe.Value()))
	}
	return "failed on " + fe.Tag() + " validation"
}

func validateTopology(t *Topology) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, structErrors("global", &t.Global)...)
	if len(t.Services) == 0 {
		errs.add("services", "at least one service is required")
		return errs
	}
	serviceIndex := make(map[string]int)
	routeIndex := make(map[string]string)
	for i, svc := range t.Services {
		path := fmt.Sprintf("services[%d]", i)
		if svc == nil {
			errs.add(path, "is required")
			continue
		}
		errs = append(errs, ValidateService(svc, path)...)
		if prev, ok := serviceIndex[svc.Name]; ok && svc.Name != "" {
			errs.add(path+".name", "duplicate service name %q, first defined at services[%d]", svc.Name, prev)
		} else {
			serviceIndex[svc.Name] = i
		}
		for j, route := range svc.Routes {
			if route == nil || route.Name == "" {
				continue
			}
			routePath := fmt.Sprintf("%s.routes[%d]", path, j)
			if prev, ok := routeIndex[route.Name]; ok {
				errs.add(routePath+".name", "duplicate route name %q, first defined at %s", route.Name, prev)
			} else {
				routeIndex[route.Name] = routePath
			}
		}
	}
	return errs
}

// ValidateService checks every invariant that is local to one service.
// Paths in the result are rooted at path.
func ValidateService(svc *Service, path string) ValidationErrors {
	errs := structErrors(path, svc)
	errs = append(errs, validateUpstream(&svc.Upstream, path+".upstream")...)
	for j, route := range svc.Routes {
		if route == nil {
			continue
		}
		errs = append(errs, validateRoute(route, fmt.Sprintf("%s.routes[%d]", path, j))...)
	}
	return errs
}

func validateUpstream(up *Upstream, path string) ValidationErrors {
	var errs ValidationErrors
	if up.Algorithm == ConsistentHash && up.HashKey == nil {
		errs.add(path+".hash_key", "is required for consistent_hash")
	}
	if up.Algorithm != ConsistentHash && up.Algorithm != "" && up.HashKey != nil {
		errs.add(path+".hash_key", "is only valid with consistent_hash, algorithm is %s", up.Algorithm)
	}
	return errs
}

func validateRoute(route *Route, path string) ValidationErrors {
	var errs ValidationErrors
	switch route.Match.Kind {
	case MatchRegex:
		if _, err := regexp.Compile(route.Match.Value); err != nil {
			errs.add(path+".match.value", "invalid regex: %v", err)
		}
	case MatchPrefix, MatchExact:
		if route.Match.Value != "" && !strings.HasPrefix(route.Match.Value, "/") {
			errs.add(path+".match.value", "path must start with /")
		}
	}

	seen := make(map[PolicyKind]bool)
	for _, p := range route.Policies {
		if p == nil {
			errs.add(path+".policies", "nil policy")
			continue
		}
		kind := p.Kind()
		ppath := path + "." + string(kind)
		if seen[kind] {
			errs.add(ppath, "duplicate %s policy", kind)
			continue
		}
		seen[kind] = true
		errs = append(errs, structErrors(ppath, p)...)
		errs = append(errs, validatePolicy(route, p, ppath)...)
	}
	return errs
}

func validatePolicy(route *Route, p Policy, path string) ValidationErrors {
	var errs ValidationErrors
	switch x := p.(type) {
	case *Authentication:
		set := 0
		for _, b := range []bool{x.Basic != nil, x.APIKey != nil, x.JWT != nil} {
			if b {
				set++
			}
		}
		if set > 1 {
			errs.add(path, "only the %s block may be set", x.Type)
		}
		if x.APIKey != nil && x.APIKey.Header != "" && x.APIKey.Query != "" {
			errs.add(path+".api_key", "header and query are mutually exclusive")
		}
	case *Headers:
		if x.Request.IsEmpty() && x.Response.IsEmpty() {
			errs.add(path, "no header operation configured")
		}
	case *Timeout:
		if x.Connect == 0 && x.Request == 0 && x.Idle == 0 {
			errs.add(path, "no timeout configured")
		}
	case *Retry:
		if t, ok := PolicyOf[*Timeout](route); ok && t.Request > 0 && x.PerTryTimeout > t.Request {
			errs.add(path+".per_try_timeout", "must not exceed timeout.request (%s)", t.Request)
		}
	case *CircuitBreaker:
		if *x == (CircuitBreaker{}) {
			errs.add(path, "no threshold configured")
		}
	case *BodyTransform:
		if x.Request.IsEmpty() && x.Response.IsEmpty() {
			errs.add(path, "no body operation configured")
		}
		if ws, ok := PolicyOf[*WebSocket](route); ok && ws.Enabled {
			errs.add(path, "body_transform and websocket are mutually exclusive")
		}
	case *TrafficSplit:
		errs = append(errs, validateSplit(x, path)...)
	case *Mirror:
		errs = append(errs, validateUpstream(&x.Upstream, path+".upstream")...)
	}
	return errs
}

func validateSplit(s *TrafficSplit, path string) ValidationErrors {
	var errs ValidationErrors
	names := make(map[string]bool)
	for i, t := range s.Targets {
		if names[t.Name] {
			errs.add(fmt.Sprintf("%s.targets[%d].name", path, i), "duplicate target name %q", t.Name)
		}
		names[t.Name] = true
		if t.Upstream != nil {
			errs = append(errs, validateUpstream(t.Upstream, fmt.Sprintf("%s.targets[%d].upstream", path, i))...)
		}
	}
	switch s.Mode {
	case SplitWeight:
		sum := 0
		for _, t := range s.Targets {
			sum += t.Weight
		}
		if sum != 100 {
			errs.add(path+".targets", "weights must sum to 100, got %d", sum)
		}
		if len(s.Rules) > 0 {
			errs.add(path+".rules", "rules are not allowed in weight mode")
		}
	case SplitRules:
		if len(s.Rules) == 0 {
			errs.add(path+".rules", "at least one rule is required in rules mode")
		}
		for i, r := range s.Rules {
			if r.Target != "" && !names[r.Target] {
				errs.add(fmt.Sprintf("%s.rules[%d].target", path, i), "unknown target %q", r.Target)
			}
		}
	}
	if s.Fallback != "" && !names[s.Fallback] {
		errs.add(path+".fallback", "unknown target %q", s.Fallback)
	}
	return errs
}
